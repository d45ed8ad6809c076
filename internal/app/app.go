package app

import (
	"context"
	"fmt"

	ordcfg "ordex/internal/config"
	"ordex/internal/store"
	"ordex/internal/trader"
	adminhttp "ordex/internal/transport/http/admin"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→恢复队列→启动管理接口。
type App struct {
	cfg         *ordcfg.Config
	coordinator *trader.Coordinator
	adminHTTP   *adminhttp.Server
	history     store.History
	Summary     *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。测试通过 AppBuilderOption 注入
// 假券商或内存队列。
func NewApp(cfg *ordcfg.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run blocks until ctx is cancelled or the HTTP server fails. Scheduled
// waiters run in the background the whole time; shutdown closes the
// coordinator first so waiters acknowledge before the history store goes.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.coordinator == nil {
		return fmt.Errorf("coordinator not initialized")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.adminHTTP != nil {
		group.Go(func() error {
			if err := a.adminHTTP.Start(ctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		a.coordinator.Close()
		if a.history != nil {
			_ = a.history.Close()
		}
		return nil
	})

	return group.Wait()
}

// Coordinator exposes the scheduler instance (for testing harnesses).
func (a *App) Coordinator() *trader.Coordinator {
	if a == nil {
		return nil
	}
	return a.coordinator
}
