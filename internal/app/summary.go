package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	ordcfg "ordex/internal/config"
	"ordex/internal/policy"
	"ordex/internal/queue"
	"ordex/internal/trader"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// StartupSummary 汇总启动时刻的市场、队列与策略状态，方便人工核对。
type StartupSummary struct {
	Venue   VenueSummary
	Queue   QueueSummary
	Policy  PolicySummary
	Storage StorageSummary
}

type VenueSummary struct {
	Broker    string
	Account   string
	Calendar  string
	Open      bool
	NextOpen  time.Time
	ClockNote string
}

type QueueSummary struct {
	Queued    int
	Scheduled int
	Failed    int
	Groups    []int
}

type PolicySummary struct {
	MaxPositionPct   string
	PlacementRetries int
	ChaseAttempts    int
	ChaseInterval    time.Duration
	QuoteTimeout     time.Duration
}

type StorageSummary struct {
	QueuePath   string
	HistoryPath string
}

func buildStartupSummary(cfg *ordcfg.Config, manager *queue.Manager, clock trader.MarketClock, active policy.Policy) (*StartupSummary, error) {
	summary := &StartupSummary{
		Venue: VenueSummary{
			Broker:   "tastytrade",
			Account:  cfg.Broker.AccountID,
			Calendar: calendarName(cfg.Market.Calendar),
		},
		Policy: PolicySummary{
			MaxPositionPct:   active.MaxPositionFraction().Mul(hundred).StringFixed(0) + "%",
			PlacementRetries: active.PlacementMaxRetries,
			ChaseAttempts:    active.ChaseAttempts,
			ChaseInterval:    active.ChaseInterval(),
			QuoteTimeout:     active.QuoteTimeout(),
		},
		Storage: StorageSummary{
			QueuePath:   cfg.Execution.QueuePath,
			HistoryPath: cfg.Execution.HistoryPath,
		},
	}

	open, err := clock.IsOpenNow()
	if err != nil {
		summary.Venue.ClockNote = fmt.Sprintf("calendar unavailable: %v", err)
	} else {
		summary.Venue.Open = open
		if next, err := clock.NextOpen(); err == nil {
			summary.Venue.NextOpen = next
		}
	}

	entries, err := manager.List(queue.Filter{})
	if err != nil {
		return summary, fmt.Errorf("queue snapshot failed: %w", err)
	}
	groups := map[int]bool{}
	for _, entry := range entries {
		groups[entry.Group] = true
		switch entry.Record.EffectiveStatus() {
		case queue.StatusScheduled:
			summary.Queue.Scheduled++
		case queue.StatusFailed:
			summary.Queue.Failed++
		default:
			summary.Queue.Queued++
		}
	}
	for group := range groups {
		summary.Queue.Groups = append(summary.Queue.Groups, group)
	}
	sort.Ints(summary.Queue.Groups)
	return summary, nil
}

func calendarName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "nyse"
	}
	return name
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动状态摘要 (STARTUP SUMMARY)")/2, "启动状态摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[市场 (MARKET)]")
	fmt.Printf("  券商: %s (账户 %s)\n", s.Venue.Broker, s.Venue.Account)
	fmt.Printf("  日历: %s\n", s.Venue.Calendar)
	if s.Venue.ClockNote != "" {
		fmt.Printf("  状态: %s\n", s.Venue.ClockNote)
	} else if s.Venue.Open {
		fmt.Println("  状态: 开市")
	} else if !s.Venue.NextOpen.IsZero() {
		fmt.Printf("  状态: 休市，下次开市 %s\n", s.Venue.NextOpen.Format("2006-01-02 15:04 MST"))
	} else {
		fmt.Println("  状态: 休市")
	}
	fmt.Println()

	fmt.Println("[队列 (QUEUE)]")
	fmt.Printf("  待执行: %d  已排期: %d  留存失败: %d\n", s.Queue.Queued, s.Queue.Scheduled, s.Queue.Failed)
	if len(s.Queue.Groups) > 0 {
		fmt.Printf("  分组: %s\n", formatGroups(s.Queue.Groups))
	}
	fmt.Println()

	fmt.Println("[执行策略 (EXECUTION POLICY)]")
	fmt.Printf("  仓位上限: %s of NLV\n", s.Policy.MaxPositionPct)
	fmt.Printf("  下单重试: %d 次\n", s.Policy.PlacementRetries)
	fmt.Printf("  追价: %d 次 / 间隔 %s\n", s.Policy.ChaseAttempts, s.Policy.ChaseInterval)
	fmt.Printf("  行情超时: %s\n", s.Policy.QuoteTimeout)
	fmt.Println()

	fmt.Println("[存储 (STORAGE)]")
	fmt.Printf("  队列文件: %s\n", s.Storage.QueuePath)
	if s.Storage.HistoryPath != "" {
		fmt.Printf("  历史库: %s\n", s.Storage.HistoryPath)
	} else {
		fmt.Println("  历史库: (未启用)")
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatGroups(groups []int) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = fmt.Sprintf("%d", g)
	}
	return strings.Join(parts, ", ")
}
