package adminhttp

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ordex/internal/gateway/broker"
	"ordex/internal/logger"
	"ordex/internal/queue"
	"ordex/internal/store"
	"ordex/internal/trader"
	"ordex/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Router 挂载交易调度相关的路由。
type Router struct {
	coordinator *trader.Coordinator
	broker      broker.Broker
	history     store.History
}

func NewRouter(coordinator *trader.Coordinator, brk broker.Broker, history store.History) *Router {
	return &Router{coordinator: coordinator, broker: brk, history: history}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/trade/schedule", r.handleSchedule)
	group.GET("/trade/jobs", r.handleQueueList)
	group.POST("/trade/cancel", r.handleCancel)
	group.GET("/queue", r.handleQueueList)
	group.POST("/queue/run", r.handleQueueRun)
	if r.broker != nil {
		group.GET("/account/balances", r.handleBalances)
		group.GET("/account/positions", r.handlePositions)
		group.GET("/account/orders", r.handleLiveOrders)
		group.GET("/market/quote", r.handleQuote)
	}
	if r.history != nil {
		group.GET("/history", r.handleHistory)
	}
}

// optionSpec 描述期权腿。type 接受 C/P 或 Call/Put。
type optionSpec struct {
	Expiration string          `json:"expiration"`
	Type       string          `json:"type"`
	Strike     decimal.Decimal `json:"strike"`
}

func (o optionSpec) descriptor() (*types.OptionDescriptor, error) {
	expiration, err := time.Parse("2006-01-02", strings.TrimSpace(o.Expiration))
	if err != nil {
		return nil, fmt.Errorf("invalid option expiration %q: %w", o.Expiration, err)
	}
	var ot types.OptionType
	switch strings.ToUpper(strings.TrimSpace(o.Type)) {
	case "C", "CALL":
		ot = types.Call
	case "P", "PUT":
		ot = types.Put
	default:
		return nil, fmt.Errorf("invalid option type %q", o.Type)
	}
	return &types.OptionDescriptor{Expiration: expiration, Type: ot, Strike: o.Strike}, nil
}

type scheduleRequest struct {
	Symbol     string           `json:"symbol"`
	Option     *optionSpec      `json:"option,omitempty"`
	Action     string           `json:"action"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	DryRun     bool             `json:"dry_run"`
	Group      int              `json:"group"`
	At         *time.Time       `json:"at,omitempty"`
	Queue      bool             `json:"queue"`
}

func (req scheduleRequest) intent() (types.OrderIntent, error) {
	direction, err := types.ParseDirection(req.Action)
	if err != nil {
		return types.OrderIntent{}, err
	}
	instrument := types.Instrument{Symbol: req.Symbol}
	if req.Option != nil {
		descriptor, err := req.Option.descriptor()
		if err != nil {
			return types.OrderIntent{}, err
		}
		instrument.Option = descriptor
	}
	intent := types.OrderIntent{
		Instrument: instrument,
		Direction:  direction,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		DryRun:     req.DryRun,
	}
	return intent, intent.Validate()
}

func (r *Router) handleSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Errorf("[api] trade schedule bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intent, err := req.intent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := r.coordinator.ScheduleTrade(c.Request.Context(), intent, trader.ScheduleOptions{
		Group: req.Group,
		At:    req.At,
		Queue: req.Queue,
	})
	if err != nil {
		logger.Errorf("[api] trade schedule failed ip=%s symbol=%s err=%v", c.ClientIP(), intent.Instrument, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] trade schedule ip=%s job=%s status=%s %s", c.ClientIP(), result.JobID, result.Status, intent.Describe())
	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	ID     string `json:"id,omitempty"`
	Group  *int   `json:"group,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

func (r *Router) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Errorf("[api] trade cancel bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := r.coordinator.CancelJobs(queue.Filter{ID: req.ID, Group: req.Group, Symbol: req.Symbol})
	if err != nil {
		logger.Errorf("[api] trade cancel failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] trade cancel ip=%s cancelled=%d rejected=%d", c.ClientIP(), report.Cancelled, len(report.Rejected))
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleQueueList(c *gin.Context) {
	filter := queue.Filter{Symbol: c.Query("symbol")}
	if raw := strings.TrimSpace(c.Query("group")); raw != "" {
		group, err := strconv.Atoi(raw)
		if err != nil || group <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid group %q", raw)})
			return
		}
		filter.Group = &group
	}
	entries, err := r.coordinator.ListJobs(filter)
	if err != nil {
		logger.Errorf("[api] queue list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": entries, "count": len(entries)})
}

type queueRunRequest struct {
	Force bool `json:"force"`
}

func (r *Router) handleQueueRun(c *gin.Context) {
	var req queueRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	report, err := r.coordinator.DrainQueue(c.Request.Context(), req.Force)
	if err != nil {
		if errors.Is(err, trader.ErrDrainInProgress) || errors.Is(err, trader.ErrMarketClosed) {
			logger.Warnf("[api] queue run refused ip=%s force=%v err=%v", c.ClientIP(), req.Force, err)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		logger.Errorf("[api] queue run failed ip=%s force=%v err=%v", c.ClientIP(), req.Force, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] queue run ip=%s force=%v completed=%d failed=%d", c.ClientIP(), req.Force, report.Completed, report.Failed)
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleBalances(c *gin.Context) {
	balances, err := r.broker.GetBalances(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] balances failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"buying_power":          balances.AvailableBuyingPower,
		"net_liquidating_value": balances.NetLiquidatingValue,
		"cash_balance":          balances.CashBalance,
		"maintenance_excess":    balances.MaintenanceExcess,
		"as_of":                 balances.UpdatedAt,
	})
}

func (r *Router) handlePositions(c *gin.Context) {
	positions, err := r.broker.GetPositions(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] positions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rows := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, gin.H{
			"instrument": p.Instrument.String(),
			"quantity":   p.Quantity,
			"short":      p.Short,
			"avg_price":  p.AvgPrice,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows, "count": len(rows)})
}

func (r *Router) handleLiveOrders(c *gin.Context) {
	orders, err := r.broker.GetLiveOrders(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] live orders failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (r *Router) handleQuote(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	instrument := types.Instrument{Symbol: symbol}
	if expiration := strings.TrimSpace(c.Query("expiration")); expiration != "" {
		strike, err := decimal.NewFromString(c.DefaultQuery("strike", "0"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid strike: %v", err)})
			return
		}
		descriptor, err := optionSpec{Expiration: expiration, Type: c.Query("type"), Strike: strike}.descriptor()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		instrument.Option = descriptor
	}
	quote, err := r.broker.GetQuote(c.Request.Context(), instrument)
	if err != nil {
		logger.Errorf("[api] quote failed ip=%s instrument=%s err=%v", c.ClientIP(), instrument, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": instrument.String(),
		"bid":        quote.Bid,
		"ask":        quote.Ask,
		"mid":        quote.Mid(),
		"as_of":      quote.UpdatedAt,
	})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	symbol := strings.TrimSpace(c.Query("symbol"))

	ctx := c.Request.Context()
	var (
		rows any
		err  error
	)
	if symbol != "" {
		rows, err = r.history.ListBySymbol(ctx, symbol, limit)
	} else {
		rows, err = r.history.ListRecent(ctx, limit)
	}
	if err != nil {
		logger.Errorf("[api] history failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows})
}
