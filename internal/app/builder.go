package app

import (
	"context"
	"fmt"
	"strings"

	ordcfg "ordex/internal/config"
	"ordex/internal/execution"
	"ordex/internal/gateway/broker"
	"ordex/internal/gateway/tastytrade"
	"ordex/internal/logger"
	"ordex/internal/marketclock"
	"ordex/internal/policy"
	"ordex/internal/queue"
	"ordex/internal/store"
	"ordex/internal/store/sqlite"
	"ordex/internal/trader"
	adminhttp "ordex/internal/transport/http/admin"
)

// AppBuilder 按配置逐层组装调度器。函数字段可在测试里替换，
// override 字段可直接注入已构建的依赖。
type AppBuilder struct {
	cfg *ordcfg.Config

	clockFn   func(ordcfg.MarketConfig) (trader.MarketClock, error)
	brokerFn  func(ordcfg.BrokerConfig) (broker.Broker, error)
	historyFn func(ordcfg.ExecutionConfig) (store.History, error)
	adminFn   func(ordcfg.HTTPConfig, *trader.Coordinator, broker.Broker, store.History) (*adminhttp.Server, error)

	queueOverride    *queue.Manager
	brokerOverride   broker.Broker
	policiesOverride *policy.Registry
}

type AppBuilderOption func(*AppBuilder)

// WithQueue injects a pre-built queue manager.
func WithQueue(m *queue.Manager) AppBuilderOption {
	return func(b *AppBuilder) { b.queueOverride = m }
}

// WithBroker injects a venue gateway, bypassing the configured client.
func WithBroker(brk broker.Broker) AppBuilderOption {
	return func(b *AppBuilder) { b.brokerOverride = brk }
}

// WithPolicies injects a policy registry.
func WithPolicies(r *policy.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.policiesOverride = r }
}

func NewAppBuilder(cfg *ordcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		clockFn:   buildMarketClock,
		brokerFn:  buildBrokerClient,
		historyFn: buildHistoryStore,
		adminFn:   buildAdminServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	policies := b.policiesOverride
	if policies == nil {
		registry, err := policy.NewRegistry(cfg.Execution.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("loading execution policy failed: %w", err)
		}
		policies = registry
	}
	active := policies.Active()
	logger.Infof("✓ 执行策略就绪 max_position=%.0f%% chase=%d×%s",
		active.MaxPositionFraction().InexactFloat64()*100, active.ChaseAttempts, active.ChaseInterval())

	queueManager := b.queueOverride
	if queueManager == nil {
		path := strings.TrimSpace(cfg.Execution.QueuePath)
		if path == "" {
			return nil, fmt.Errorf("execution queue_path cannot be empty")
		}
		queueManager = queue.NewManager(queue.NewFileStore(path))
	}

	clock, err := b.clockFn(cfg.Market)
	if err != nil {
		return nil, err
	}

	brk := b.brokerOverride
	if brk == nil {
		client, err := b.brokerFn(cfg.Broker)
		if err != nil {
			return nil, err
		}
		brk = client
	}
	logger.Infof("✓ 券商网关就绪 venue=%s account=%s", brk.Name(), cfg.Broker.AccountID)

	history, err := b.historyFn(cfg.Execution)
	if err != nil {
		return nil, err
	}
	if history != nil {
		logger.Infof("✓ 成交历史库就绪 path=%s", cfg.Execution.HistoryPath)
	}

	runner := execution.NewExecutor(brk, policies)

	coordinator, err := trader.New(trader.Params{
		Queue:        queueManager,
		Clock:        clock,
		Runner:       runner,
		Policies:     policies,
		History:      history,
		DefaultGroup: cfg.Execution.DefaultGroup,
	})
	if err != nil {
		return nil, fmt.Errorf("building coordinator failed: %w", err)
	}
	if err := coordinator.Recover(); err != nil {
		logger.Warnf("queue recovery reported: %v", err)
	}

	adminServer, err := b.adminFn(cfg.HTTP, coordinator, brk, history)
	if err != nil {
		return nil, err
	}

	summary, err := buildStartupSummary(cfg, queueManager, clock, active)
	if err != nil {
		logger.Warnf("startup summary unavailable: %v", err)
	}

	return &App{
		cfg:         cfg,
		coordinator: coordinator,
		adminHTTP:   adminServer,
		history:     history,
		Summary:     summary,
	}, nil
}

func buildMarketClock(cfg ordcfg.MarketConfig) (trader.MarketClock, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Calendar))
	switch name {
	case "", "nyse", "xnys":
		calendar, err := marketclock.NewNYSECalendar()
		if err != nil {
			return nil, err
		}
		return marketclock.New(calendar), nil
	default:
		return nil, fmt.Errorf("unsupported market calendar %q", cfg.Calendar)
	}
}

func buildBrokerClient(cfg ordcfg.BrokerConfig) (broker.Broker, error) {
	client, err := tastytrade.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init brokerage client: %w", err)
	}
	return client, nil
}

func buildHistoryStore(cfg ordcfg.ExecutionConfig) (store.History, error) {
	path := strings.TrimSpace(cfg.HistoryPath)
	if path == "" {
		return nil, nil
	}
	history, err := sqlite.NewHistoryStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to init execution history store: %w", err)
	}
	return history, nil
}

func buildAdminServer(cfg ordcfg.HTTPConfig, coordinator *trader.Coordinator, brk broker.Broker, history store.History) (*adminhttp.Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	server, err := adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:        cfg.Addr,
		Coordinator: coordinator,
		Broker:      brk,
		History:     history,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化管理接口失败: %w", err)
	}
	logger.Infof("✓ 管理接口监听 %s", server.Addr())
	return server, nil
}
