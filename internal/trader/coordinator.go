// Package trader is the top-level driver. It owns the execution lock that
// serializes every order pipeline system-wide, the market-hours gate in front
// of immediate requests, and the background waiters that carry closed-market
// jobs to the next open.
package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ordex/internal/execution"
	"ordex/internal/logger"
	"ordex/internal/pkg/timeutil"
	"ordex/internal/policy"
	"ordex/internal/queue"
	"ordex/internal/store"
	"ordex/internal/store/model"
	"ordex/internal/types"

	"gorm.io/datatypes"
)

// ErrDrainInProgress means another queue drain is still running.
var (
	ErrDrainInProgress = errors.New("queue drain already running")

	// ErrMarketClosed reports a drain refused by the market-hours gate.
	ErrMarketClosed = errors.New("market closed")
)

// MarketClock is the calendar contract the coordinator gates on.
type MarketClock interface {
	Now() time.Time
	IsOpenNow() (bool, error)
	NextOpen() (time.Time, error)
}

// Runner executes one intent through the full pipeline. *execution.Executor
// is the production implementation.
type Runner interface {
	Execute(ctx context.Context, intent types.OrderIntent) (*execution.Outcome, error)
}

// Params 聚合协调器的依赖。History 可为 nil（不落历史库）。
type Params struct {
	Queue        *queue.Manager
	Clock        MarketClock
	Runner       Runner
	Policies     *policy.Registry
	History      store.History
	DefaultGroup int
}

type Coordinator struct {
	queue    *queue.Manager
	clock    MarketClock
	runner   Runner
	policies *policy.Registry
	history  store.History

	defaultGroup int

	// execMu is the execution lock: at most one pipeline may run at any
	// instant so two jobs never double-count the same buying power.
	execMu   sync.Mutex
	draining atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

func New(p Params) (*Coordinator, error) {
	if p.Queue == nil {
		return nil, fmt.Errorf("trader: queue manager is required")
	}
	if p.Clock == nil {
		return nil, fmt.Errorf("trader: market clock is required")
	}
	if p.Runner == nil {
		return nil, fmt.Errorf("trader: pipeline runner is required")
	}
	if p.Policies == nil {
		p.Policies = policy.Static(policy.Default())
	}
	if p.DefaultGroup <= 0 {
		p.DefaultGroup = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		queue:        p.Queue,
		clock:        p.Clock,
		runner:       p.Runner,
		policies:     p.Policies,
		history:      p.History,
		defaultGroup: p.DefaultGroup,
		baseCtx:      ctx,
		cancel:       cancel,
		sleep:        contextSleep,
	}, nil
}

// ScheduleOptions shapes how a trade request enters the system. Zero value
// means: default group, run now if the market is open, otherwise wait for the
// next open.
type ScheduleOptions struct {
	Group int        // execution group; 0 uses the configured default
	At    *time.Time // explicit start time; always goes through a waiter
	Queue bool       // park in the queue for a later drain instead of running
}

// ScheduleResult reports where the request ended up. Immediate executions
// come back with a terminal Status and, on success, the pipeline Outcome;
// waiter and queue placements come back as scheduled/queued.
type ScheduleResult struct {
	JobID        string             `json:"job_id"`
	Group        int                `json:"group"`
	Status       queue.Status       `json:"status"`
	ScheduledFor *time.Time         `json:"scheduled_for,omitempty"`
	Outcome      *execution.Outcome `json:"outcome,omitempty"`
	Detail       string             `json:"detail"`
}

// ScheduleTrade routes one intent. A pipeline that runs and fails still
// returns a nil error: the failure is reported through Status and Detail and
// kept in the durable store. A non-nil error means the request never became
// a durable job.
func (c *Coordinator) ScheduleTrade(ctx context.Context, intent types.OrderIntent, opts ScheduleOptions) (*ScheduleResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	group := opts.Group
	if group <= 0 {
		group = c.defaultGroup
	}

	if opts.Queue {
		rec, err := c.queue.Enqueue(intent, group)
		if err != nil {
			return nil, err
		}
		return &ScheduleResult{
			JobID:  rec.ID,
			Group:  group,
			Status: queue.StatusQueued,
			Detail: fmt.Sprintf("queued in group %d; runs on the next queue drain", group),
		}, nil
	}

	if opts.At != nil {
		return c.scheduleAt(intent, group, *opts.At, false)
	}

	open, err := c.clock.IsOpenNow()
	if err != nil {
		return nil, fmt.Errorf("market calendar: %w", err)
	}
	if open {
		return c.executeNow(intent, group)
	}

	next, err := c.clock.NextOpen()
	if err != nil {
		return nil, fmt.Errorf("market calendar: %w", err)
	}
	return c.scheduleAt(intent, group, next, true)
}

// executeNow persists the job, then runs the pipeline synchronously under the
// execution lock.
func (c *Coordinator) executeNow(intent types.OrderIntent, group int) (*ScheduleResult, error) {
	rec, err := c.queue.Enqueue(intent, group)
	if err != nil {
		return nil, err
	}

	// The pipeline runs under the coordinator's lifetime context, not the
	// caller's: once an order may be resting at the venue, a dropped HTTP
	// client must not orphan the chase.
	outcome, runErr := c.runJob(c.baseCtx, group, rec)
	if resolveErr := c.queue.Resolve(rec.ID, runErr); resolveErr != nil {
		logger.Errorf("job %s: resolving outcome failed: %v", rec.ID, resolveErr)
	}

	if runErr != nil {
		logger.Errorf("job %s failed: %v", rec.ID, runErr)
		return &ScheduleResult{
			JobID:  rec.ID,
			Group:  group,
			Status: queue.StatusFailed,
			Detail: runErr.Error(),
		}, nil
	}
	logger.Infof("job %s completed: %s", rec.ID, outcome.Detail)
	return &ScheduleResult{
		JobID:   rec.ID,
		Group:   group,
		Status:  queue.StatusCompleted,
		Outcome: outcome,
		Detail:  outcome.Detail,
	}, nil
}

// scheduleAt persists a scheduled job and arms its waiter. buffered adds the
// post-open settle buffer for market-derived targets.
func (c *Coordinator) scheduleAt(intent types.OrderIntent, group int, target time.Time, buffered bool) (*ScheduleResult, error) {
	rec, err := c.queue.Schedule(intent, group, target)
	if err != nil {
		return nil, err
	}
	wake := target
	if buffered {
		wake = wake.Add(c.policies.Active().OpenWaitBuffer())
	}
	c.armWaiter(group, rec, wake)

	now := c.clock.Now()
	detail := fmt.Sprintf("market closed; scheduled for %s (%s)",
		target.Format("2006-01-02 15:04 MST"), timeutil.FormatUntil(now, target))
	if !buffered {
		detail = fmt.Sprintf("scheduled for %s (%s)",
			target.Format("2006-01-02 15:04 MST"), timeutil.FormatUntil(now, target))
	}
	logger.Infof("job %s: %s", rec.ID, detail)
	return &ScheduleResult{
		JobID:        rec.ID,
		Group:        group,
		Status:       queue.StatusScheduled,
		ScheduledFor: &target,
		Detail:       detail,
	}, nil
}

// armWaiter starts the background task that carries a scheduled job to
// execution. Cancellation is cooperative: the waiter re-reads the job after
// waking and stands down if it is no longer scheduled.
func (c *Coordinator) armWaiter(group int, rec queue.Record, wake time.Time) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		delay := wake.Sub(c.clock.Now())
		if delay > 0 {
			logger.Infof("job %s: waiter sleeping %s (until %s)", rec.ID,
				timeutil.FormatUntil(c.clock.Now(), wake), wake.Format("2006-01-02 15:04 MST"))
			if err := c.sleep(c.baseCtx, delay); err != nil {
				logger.Infof("job %s: waiter stopped during shutdown, job stays scheduled", rec.ID)
				return
			}
		}

		// The calendar can disagree with the precomputed open (half days,
		// ad-hoc closures). Treat calendar faults as transient and keep
		// re-checking rather than failing the job.
		for {
			open, err := c.clock.IsOpenNow()
			if err != nil {
				logger.Warnf("job %s: market calendar check failed, retrying: %v", rec.ID, err)
			} else if open {
				break
			} else {
				logger.Debugf("job %s: market not open yet, rechecking", rec.ID)
			}
			if serr := c.sleep(c.baseCtx, c.policies.Active().RecheckInterval()); serr != nil {
				logger.Infof("job %s: waiter stopped during shutdown, job stays scheduled", rec.ID)
				return
			}
		}

		outcome, err := c.runJob(c.baseCtx, group, rec)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrConflict) {
				logger.Infof("job %s: cancelled while waiting, waiter exiting", rec.ID)
				return
			}
			if resolveErr := c.queue.Resolve(rec.ID, err); resolveErr != nil {
				logger.Errorf("job %s: resolving outcome failed: %v", rec.ID, resolveErr)
			}
			logger.Errorf("job %s failed: %v", rec.ID, err)
			return
		}
		if resolveErr := c.queue.Resolve(rec.ID, nil); resolveErr != nil {
			logger.Errorf("job %s: resolving outcome failed: %v", rec.ID, resolveErr)
		}
		logger.Infof("job %s completed: %s", rec.ID, outcome.Detail)
	}()
}

// runJob claims the record and runs the pipeline under the execution lock.
// It does not resolve the record; callers decide how the outcome lands.
func (c *Coordinator) runJob(ctx context.Context, group int, rec queue.Record) (*execution.Outcome, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	claimed, err := c.queue.BeginProcessing(rec.ID)
	if err != nil {
		return nil, err
	}
	intent, err := claimed.Intent()
	if err != nil {
		return nil, err
	}

	logger.Infof("job %s processing: %s (group=%d)", claimed.ID, intent.Describe(), group)
	started := time.Now()
	outcome, execErr := c.runner.Execute(ctx, intent)
	c.recordHistory(group, claimed, intent, outcome, execErr, started)
	return outcome, execErr
}

// CancelReport is the result of a cancel sweep.
type CancelReport struct {
	Cancelled int      `json:"cancelled"`
	Rejected  []string `json:"rejected,omitempty"` // job ids past the point of no return
}

// CancelJobs removes matching jobs that have not started processing.
// Scheduled jobs pass through cancelling before they disappear; their waiters
// notice at wake-up and stand down. Repeating a cancel is a no-op.
func (c *Coordinator) CancelJobs(f queue.Filter) (CancelReport, error) {
	var report CancelReport
	entries, err := c.queue.List(f)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		switch e.Record.EffectiveStatus() {
		case queue.StatusProcessing:
			report.Rejected = append(report.Rejected, e.Record.ID)
			logger.Warnf("job %s is processing and cannot be cancelled", e.Record.ID)
		case queue.StatusScheduled:
			if _, terr := c.queue.Transition(e.Record.ID, queue.StatusScheduled, queue.StatusCancelling, "cancel requested"); terr != nil {
				// Lost the race to the waiter; the sweep below skips it.
				continue
			}
			if _, terr := c.queue.Transition(e.Record.ID, queue.StatusCancelling, queue.StatusCancelled, ""); terr != nil {
				logger.Warnf("job %s: finishing cancellation failed: %v", e.Record.ID, terr)
			}
		}
	}
	removed, err := c.queue.Cancel(f)
	if err != nil {
		return report, err
	}
	report.Cancelled = removed
	return report, nil
}

// ListJobs returns the durable queue contents, group-ordered.
func (c *Coordinator) ListJobs(f queue.Filter) ([]queue.Entry, error) {
	return c.queue.List(f)
}

// DrainQueue runs every runnable queued job, groups ascending. Without force
// it refuses while the market is closed. Only one drain may run at a time.
func (c *Coordinator) DrainQueue(ctx context.Context, force bool) (queue.RunReport, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return queue.RunReport{}, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	if !force {
		open, err := c.clock.IsOpenNow()
		if err != nil {
			return queue.RunReport{}, fmt.Errorf("market calendar: %w", err)
		}
		if !open {
			next, nerr := c.clock.NextOpen()
			if nerr != nil {
				return queue.RunReport{}, fmt.Errorf("market closed; next open unknown: %w", nerr)
			}
			return queue.RunReport{}, fmt.Errorf("%w until %s; pass force to run anyway",
				ErrMarketClosed, next.Format("2006-01-02 15:04 MST"))
		}
	}

	// The caller's context gates the sweep between groups; each pipeline
	// itself runs under the coordinator's lifetime context for the same
	// reason executeNow does.
	return c.queue.RunAll(ctx, func(_ context.Context, group int, rec queue.Record) error {
		_, err := c.runJob(c.baseCtx, group, rec)
		return err
	})
}

// Recover repairs the durable store after a restart and re-arms waiters for
// jobs that were scheduled when the process went down.
func (c *Coordinator) Recover() error {
	requeued, err := c.queue.RecoverOrphans()
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		logger.Warnf("requeued %d jobs that were processing at shutdown", len(requeued))
	}

	scheduled, err := c.queue.ScheduledJobs()
	if err != nil {
		return err
	}
	for _, e := range scheduled {
		wake := c.clock.Now()
		if e.Record.ScheduledAt != nil && e.Record.ScheduledAt.After(wake) {
			wake = *e.Record.ScheduledAt
		}
		logger.Infof("job %s: re-arming waiter after restart", e.Record.ID)
		c.armWaiter(e.Group, e.Record, wake)
	}
	return nil
}

// Close cancels all waiters and blocks until each has acknowledged. Scheduled
// jobs stay in the store for the next start.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) recordHistory(group int, rec queue.Record, intent types.OrderIntent, outcome *execution.Outcome, execErr error, started time.Time) {
	if c.history == nil {
		return
	}
	m := &model.ExecutionModel{
		JobID:          rec.ID,
		GroupID:        group,
		Symbol:         intent.Instrument.Symbol,
		InstrumentKey:  intent.Instrument.Key(),
		Action:         string(intent.Direction),
		RequestedQty:   intent.Quantity,
		StartedAtUnix:  started.Unix(),
		FinishedAtUnix: time.Now().Unix(),
	}
	if intent.DryRun {
		m.IsDryRun = 1
	}
	if raw, err := json.Marshal(intent); err == nil {
		m.IntentJSON = datatypes.JSON(raw)
	}
	if outcome != nil {
		m.Status = "completed"
		m.FilledQty = outcome.Admissible
		m.FillPrice = outcome.FillPrice.InexactFloat64()
		m.OrderID = outcome.OrderID
		m.Placements = outcome.Placements
		m.Reprices = outcome.Reprices
		m.Detail = outcome.Detail
		if len(outcome.Warnings) > 0 {
			if raw, err := json.Marshal(outcome.Warnings); err == nil {
				m.WarningsJSON = datatypes.JSON(raw)
			}
		}
	}
	if execErr != nil {
		m.Status = "failed"
		m.Detail = execErr.Error()
		if f, ok := execution.AsFailure(execErr); ok {
			m.FailureCode = string(f.Code)
			if len(f.BrokerErrors) > 0 {
				if raw, err := json.Marshal(f.BrokerErrors); err == nil {
					m.WarningsJSON = datatypes.JSON(raw)
				}
			}
		}
	}

	hctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.history.Append(hctx, m); err != nil {
		logger.Warnf("job %s: execution history write failed: %v", rec.ID, err)
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
