package trader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ordex/internal/execution"
	"ordex/internal/policy"
	"ordex/internal/queue"
	"ordex/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu   sync.Mutex
	open bool
	next time.Time
	err  error
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) IsOpenNow() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.err
}

func (c *fakeClock) NextOpen() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, c.err
}

func (c *fakeClock) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

// fakeRunner tracks pipeline execution windows so tests can assert the
// execution lock never lets two runs overlap.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []types.OrderIntent
	active  int
	maxSeen int

	delay   time.Duration
	block   chan struct{} // when set, Execute waits here
	started chan struct{} // when set, Execute signals entry
	err     error
}

func (r *fakeRunner) Execute(ctx context.Context, intent types.OrderIntent) (*execution.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, intent)
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return &execution.Outcome{
		Requested:  intent.Quantity,
		Admissible: intent.Quantity,
		Detail:     "filled",
	}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) maxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSeen
}

func buyIntent(symbol string, qty int64) types.OrderIntent {
	return types.OrderIntent{
		Instrument: types.Instrument{Symbol: symbol},
		Direction:  types.BuyToOpen,
		Quantity:   qty,
	}
}

func newTestCoordinator(t *testing.T, clock MarketClock, runner Runner) (*Coordinator, *queue.Manager) {
	t.Helper()
	m := queue.NewManager(queue.NewFileStore(filepath.Join(t.TempDir(), "order_queue.json")))
	c, err := New(Params{
		Queue:    m,
		Clock:    clock,
		Runner:   runner,
		Policies: policy.Static(policy.Default()),
	})
	assert.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(c.Close)
	return c, m
}

func TestImmediateExecutionWhenMarketOpen(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{}
	c, m := newTestCoordinator(t, clock, runner)

	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 4), ScheduleOptions{})

	assert.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, res.Status)
	assert.NotNil(t, res.Outcome)
	assert.Equal(t, 1, runner.callCount())

	entries, _ := m.List(queue.Filter{})
	assert.Empty(t, entries, "completed jobs leave the durable store")
}

func TestFailedPipelineKeepsJobMarked(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{err: errors.New("order rejected placing XYZ x4")}
	c, m := newTestCoordinator(t, clock, runner)

	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 4), ScheduleOptions{})

	assert.NoError(t, err, "a pipeline failure is an outcome, not a scheduling error")
	assert.Equal(t, queue.StatusFailed, res.Status)
	assert.Contains(t, res.Detail, "rejected")

	entries, _ := m.List(queue.Filter{})
	assert.Len(t, entries, 1)
	assert.Equal(t, queue.StatusFailed, entries[0].Record.Status)
	assert.Contains(t, entries[0].Record.Detail, "rejected")
}

func TestMarketClosedSchedulesWaiterAndCancelIsCooperative(t *testing.T) {
	nextOpen := time.Now().Add(5 * time.Hour)
	clock := &fakeClock{open: false, next: nextOpen}
	runner := &fakeRunner{}
	c, m := newTestCoordinator(t, clock, runner)

	release := make(chan struct{})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 2), ScheduleOptions{})
	assert.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, res.Status)
	assert.NotNil(t, res.ScheduledFor)
	assert.True(t, res.ScheduledFor.Equal(nextOpen))

	entries, _ := m.List(queue.Filter{})
	assert.Len(t, entries, 1)
	assert.Equal(t, queue.StatusScheduled, entries[0].Record.Status)

	// Cancel while the waiter sleeps.
	report, err := c.CancelJobs(queue.Filter{ID: res.JobID})
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)
	entries, _ = m.List(queue.Filter{})
	assert.Empty(t, entries)

	// Wake the waiter into an open market: it must observe the cancellation
	// and exit without touching the pipeline.
	clock.setOpen(true)
	close(release)
	c.Close()
	assert.Equal(t, 0, runner.callCount())
}

func TestCancelIsIdempotentAcrossCalls(t *testing.T) {
	clock := &fakeClock{open: false, next: time.Now().Add(time.Hour)}
	c, _ := newTestCoordinator(t, clock, &fakeRunner{})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 2), ScheduleOptions{})
	assert.NoError(t, err)

	first, err := c.CancelJobs(queue.Filter{ID: res.JobID})
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Cancelled)

	second, err := c.CancelJobs(queue.Filter{ID: res.JobID})
	assert.NoError(t, err)
	assert.Equal(t, 0, second.Cancelled)
	assert.Empty(t, second.Rejected)
}

func TestExecutionLockSerializesPipelines(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	c, _ := newTestCoordinator(t, clock, runner)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 1), ScheduleOptions{})
			assert.NoError(t, err)
			assert.Equal(t, queue.StatusCompleted, res.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, runner.callCount())
	assert.Equal(t, 1, runner.maxConcurrent(), "execution windows must never overlap")
}

func TestCancelRejectsProcessingJob(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c, _ := newTestCoordinator(t, clock, runner)

	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 2), ScheduleOptions{Queue: true})
	assert.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, res.Status)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, derr := c.DrainQueue(context.Background(), false)
		assert.NoError(t, derr)
	}()
	<-runner.started

	report, err := c.CancelJobs(queue.Filter{ID: res.JobID})
	assert.NoError(t, err)
	assert.Equal(t, 0, report.Cancelled)
	assert.Equal(t, []string{res.JobID}, report.Rejected)

	close(runner.block)
	<-done

	entries, _ := c.ListJobs(queue.Filter{})
	assert.Empty(t, entries, "the job the cancel could not reach still completes")
}

func TestDrainQueueRespectsMarketGate(t *testing.T) {
	clock := &fakeClock{open: false, next: time.Now().Add(3 * time.Hour)}
	runner := &fakeRunner{}
	c, m := newTestCoordinator(t, clock, runner)
	m.Enqueue(buyIntent("XYZ", 1), 1)

	_, err := c.DrainQueue(context.Background(), false)
	assert.ErrorContains(t, err, "market closed")
	assert.Equal(t, 0, runner.callCount())

	report, err := c.DrainQueue(context.Background(), true)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, runner.callCount())
}

func TestDrainQueueSingleFlight(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c, m := newTestCoordinator(t, clock, runner)
	m.Enqueue(buyIntent("XYZ", 1), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.DrainQueue(context.Background(), false)
	}()
	<-runner.started

	_, err := c.DrainQueue(context.Background(), false)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(runner.block)
	<-done
}

func TestRecoverRearmsScheduledJobs(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{}
	c, m := newTestCoordinator(t, clock, runner)

	// A job left scheduled by a previous process, past its wake time.
	_, err := m.Schedule(buyIntent("XYZ", 3), 1, time.Now().Add(-time.Minute))
	assert.NoError(t, err)

	assert.NoError(t, c.Recover())
	assert.Eventually(t, func() bool {
		entries, _ := m.List(queue.Filter{})
		return runner.callCount() == 1 && len(entries) == 0
	}, 2*time.Second, 5*time.Millisecond, "re-armed waiter must run the job to completion")
}

func TestExplicitStartTimeSchedulesWaiter(t *testing.T) {
	clock := &fakeClock{open: true}
	runner := &fakeRunner{}
	c, _ := newTestCoordinator(t, clock, runner)

	// Keep the waiter parked so the assertion window is stable.
	c.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	at := time.Now().Add(2 * time.Hour)
	res, err := c.ScheduleTrade(context.Background(), buyIntent("XYZ", 2), ScheduleOptions{At: &at})
	assert.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, res.Status)
	assert.True(t, res.ScheduledFor.Equal(at), "explicit start time wins over the market gate")
	assert.Equal(t, 0, runner.callCount())
}
