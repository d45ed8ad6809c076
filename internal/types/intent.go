package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	BuyToOpen   Direction = "BUY_TO_OPEN"
	SellToClose Direction = "SELL_TO_CLOSE"
)

// ParseDirection accepts both the canonical form and the spelled-out form
// older queue files used ("Buy to Open").
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")) {
	case string(BuyToOpen):
		return BuyToOpen, nil
	case string(SellToClose):
		return SellToClose, nil
	default:
		return "", fmt.Errorf("unsupported action %q", raw)
	}
}

func (d Direction) IsBuy() bool {
	return d == BuyToOpen
}

func (d Direction) Valid() bool {
	return d == BuyToOpen || d == SellToClose
}

type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

type OptionDescriptor struct {
	Expiration time.Time       `json:"expiration"`
	Type       OptionType      `json:"type"`
	Strike     decimal.Decimal `json:"strike"`
}

// Instrument identifies what gets traded: an equity, or one option series on
// the underlying when Option is set.
type Instrument struct {
	Symbol string            `json:"symbol"`
	Option *OptionDescriptor `json:"option,omitempty"`
}

func (i Instrument) IsOption() bool {
	return i.Option != nil
}

// Multiplier is the per-contract value factor used in notional math.
func (i Instrument) Multiplier() int64 {
	if i.IsOption() {
		return 100
	}
	return 1
}

// Key is stable across processes and used to match positions and live orders
// against an intent.
func (i Instrument) Key() string {
	if !i.IsOption() {
		return strings.ToUpper(strings.TrimSpace(i.Symbol))
	}
	return fmt.Sprintf("%s|%s|%s|%s",
		strings.ToUpper(strings.TrimSpace(i.Symbol)),
		i.Option.Expiration.Format("2006-01-02"),
		i.Option.Type,
		i.Option.Strike.String(),
	)
}

func (i Instrument) String() string {
	if !i.IsOption() {
		return strings.ToUpper(strings.TrimSpace(i.Symbol))
	}
	return fmt.Sprintf("%s %s%s %s",
		strings.ToUpper(strings.TrimSpace(i.Symbol)),
		i.Option.Strike.String(),
		i.Option.Type,
		i.Option.Expiration.Format("2006-01-02"),
	)
}

// OrderIntent 描述调用方想要的一笔交易，创建后不可变。
type OrderIntent struct {
	Instrument Instrument       `json:"instrument"`
	Direction  Direction        `json:"direction"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	DryRun     bool             `json:"dry_run"`
}

func (o OrderIntent) Validate() error {
	if strings.TrimSpace(o.Instrument.Symbol) == "" {
		return fmt.Errorf("intent missing symbol")
	}
	if !o.Direction.Valid() {
		return fmt.Errorf("unsupported action %q", string(o.Direction))
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0, got %d", o.Quantity)
	}
	if o.Instrument.IsOption() {
		opt := o.Instrument.Option
		if opt.Type != Call && opt.Type != Put {
			return fmt.Errorf("option type must be C or P, got %q", string(opt.Type))
		}
		if opt.Strike.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("strike must be > 0")
		}
		if opt.Expiration.IsZero() {
			return fmt.Errorf("option expiration missing")
		}
	}
	if o.LimitPrice != nil && o.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("limit price must be > 0")
	}
	return nil
}

func (o OrderIntent) Describe() string {
	tag := ""
	if o.DryRun {
		tag = " (dry-run)"
	}
	return fmt.Sprintf("%s %d %s%s", string(o.Direction), o.Quantity, o.Instrument.String(), tag)
}
