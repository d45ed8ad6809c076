package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ordex/internal/logger"
	"ordex/internal/types"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound means the job id is absent from the durable store, usually
	// because a cancel or a terminal cleanup removed it.
	ErrNotFound = errors.New("job not found")
	// ErrConflict means a status transition lost a race, e.g. a waiter waking
	// into a job that was cancelled while it slept.
	ErrConflict = errors.New("job status conflict")
)

// Runner executes one job record end to end and reports its terminal error.
type Runner func(ctx context.Context, group int, rec Record) error

// Filter selects jobs for Cancel and List. Zero fields are wildcards; set
// fields compose as AND.
type Filter struct {
	ID     string
	Group  *int
	Symbol string
}

func (f Filter) matches(group int, rec Record) bool {
	if f.ID != "" && rec.ID != f.ID {
		return false
	}
	if f.Group != nil && group != *f.Group {
		return false
	}
	if f.Symbol != "" && rec.Symbol != f.Symbol {
		return false
	}
	return true
}

// Entry pairs a record with the group it lives in.
type Entry struct {
	Group  int    `json:"group"`
	Record Record `json:"record"`
}

// Manager 在 FileStore 之上提供队列操作。除 RunAll 的执行阶段外，
// 每个操作都是一次 load→mutate→save 的原子回合。
type Manager struct {
	store *FileStore
}

func NewManager(store *FileStore) *Manager {
	return &Manager{store: store}
}

// Enqueue appends the intent to group and persists before returning. The
// record is durable once Enqueue returns.
func (m *Manager) Enqueue(intent types.OrderIntent, group int) (Record, error) {
	return m.append(intent, group, StatusQueued, nil)
}

// Schedule persists a job owned by a market-open waiter. RunAll skips it; the
// waiter alone moves it forward.
func (m *Manager) Schedule(intent types.OrderIntent, group int, at time.Time) (Record, error) {
	return m.append(intent, group, StatusScheduled, &at)
}

func (m *Manager) append(intent types.OrderIntent, group int, status Status, at *time.Time) (Record, error) {
	if err := intent.Validate(); err != nil {
		return Record{}, err
	}
	if group <= 0 {
		return Record{}, fmt.Errorf("execution group must be > 0, got %d", group)
	}
	rec := NewRecord(intent, status)
	if at != nil {
		t := at.UTC()
		rec.ScheduledAt = &t
	}
	err := m.store.Update(func(groups map[int][]Record) error {
		groups[group] = append(groups[group], rec)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	logger.Infof("job %s enqueued: %s (group=%d, status=%s)", rec.ID, rec.describe(), group, status)
	return rec, nil
}

// List returns matching jobs ordered by group then queue position.
func (m *Manager) List(f Filter) ([]Entry, error) {
	groups, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	for _, group := range sortedGroups(groups) {
		for _, rec := range groups[group] {
			if f.matches(group, rec) {
				entries = append(entries, Entry{Group: group, Record: rec})
			}
		}
	}
	return entries, nil
}

// Get looks a job up by id.
func (m *Manager) Get(id string) (Entry, error) {
	entries, err := m.List(Filter{ID: id})
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}

// Cancel removes matching jobs that have not started processing and reports
// how many went away. Empty groups are pruned. Cancelling an already-removed
// job is a no-op, not an error.
func (m *Manager) Cancel(f Filter) (int, error) {
	removed := 0
	err := m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			kept := records[:0]
			for _, rec := range records {
				if f.matches(group, rec) && rec.EffectiveStatus().Cancellable() {
					removed++
					logger.Infof("job %s cancelled: %s (group=%d)", rec.ID, rec.describe(), group)
					continue
				}
				kept = append(kept, rec)
			}
			if len(kept) == 0 {
				delete(groups, group)
			} else {
				groups[group] = kept
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Transition moves a job from one status to another, failing with ErrConflict
// when the job is no longer in the expected state. This is the cooperative
// cancellation checkpoint: a waiter that wakes into anything but its expected
// status must stand down.
func (m *Manager) Transition(id string, from, to Status, detail string) (Record, error) {
	var out Record
	err := m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			for i, rec := range records {
				if rec.ID != id {
					continue
				}
				if rec.EffectiveStatus() != from {
					return fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, id, rec.EffectiveStatus(), from)
				}
				records[i].Status = to
				if detail != "" {
					records[i].Detail = detail
				}
				out = records[i]
				groups[group] = records
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	if err != nil {
		return Record{}, err
	}
	logger.Debugf("job %s: %s -> %s", id, from, to)
	return out, nil
}

// BeginProcessing claims a runnable job for execution. Only one claim can
// exist at a time because callers hold the execution lock while claiming.
func (m *Manager) BeginProcessing(id string) (Record, error) {
	var out Record
	err := m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			for i, rec := range records {
				if rec.ID != id {
					continue
				}
				status := rec.EffectiveStatus()
				if !status.Runnable() && status != StatusScheduled {
					return fmt.Errorf("%w: job %s is %s", ErrConflict, id, status)
				}
				records[i].Status = StatusProcessing
				out = records[i]
				groups[group] = records
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Resolve applies a job's terminal outcome: success removes the record,
// failure keeps it marked failed with the reason so operators can inspect
// and a later drain can retry.
func (m *Manager) Resolve(id string, runErr error) error {
	if runErr == nil {
		return m.remove(id)
	}
	return m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			for i, rec := range records {
				if rec.ID != id {
					continue
				}
				records[i].Status = StatusFailed
				records[i].Detail = runErr.Error()
				groups[group] = records
				return nil
			}
		}
		// Removed underneath us; nothing left to mark.
		return nil
	})
}

func (m *Manager) remove(id string) error {
	return m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			for i, rec := range records {
				if rec.ID != id {
					continue
				}
				records = append(records[:i], records[i+1:]...)
				if len(records) == 0 {
					delete(groups, group)
				} else {
					groups[group] = records
				}
				return nil
			}
		}
		return nil
	})
}

// RecoverOrphans repairs the store after a crash: jobs stranded in processing
// go back to queued, jobs stranded in cancelling complete their cancellation
// by removal. Returns the re-queued records.
func (m *Manager) RecoverOrphans() ([]Record, error) {
	var requeued []Record
	err := m.store.Update(func(groups map[int][]Record) error {
		for group, records := range groups {
			kept := records[:0]
			for _, rec := range records {
				switch rec.EffectiveStatus() {
				case StatusProcessing:
					rec.Status = StatusQueued
					rec.Detail = "requeued after restart"
					requeued = append(requeued, rec)
					kept = append(kept, rec)
				case StatusCancelling, StatusCancelled:
					logger.Infof("job %s: completing interrupted cancellation", rec.ID)
				default:
					kept = append(kept, rec)
				}
			}
			if len(kept) == 0 {
				delete(groups, group)
			} else {
				groups[group] = kept
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range requeued {
		logger.Warnf("job %s was processing during shutdown, requeued", rec.ID)
	}
	return requeued, nil
}

// ScheduledJobs lists jobs waiting on a market-open waiter, for re-arming
// after a restart.
func (m *Manager) ScheduledJobs() ([]Entry, error) {
	groups, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, group := range sortedGroups(groups) {
		for _, rec := range groups[group] {
			if rec.EffectiveStatus() == StatusScheduled {
				entries = append(entries, Entry{Group: group, Record: rec})
			}
		}
	}
	return entries, nil
}

// RunAll drains the queue: groups strictly ascending, jobs inside a group
// concurrent. A job failure never stops its siblings or later groups; it
// leaves the record behind marked failed. Scheduled jobs belong to their
// waiters and are skipped.
func (m *Manager) RunAll(ctx context.Context, run Runner) (RunReport, error) {
	var report RunReport
	groups, err := m.store.Load()
	if err != nil {
		return report, err
	}

	for _, group := range sortedGroups(groups) {
		var runnable []Record
		for _, rec := range groups[group] {
			if rec.EffectiveStatus().Runnable() {
				runnable = append(runnable, rec)
			}
		}
		if len(runnable) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		logger.Infof("executing group %d with %d jobs", group, len(runnable))
		outcomes := make([]error, len(runnable))
		var eg errgroup.Group
		for i, rec := range runnable {
			i, rec := i, rec
			eg.Go(func() error {
				outcomes[i] = run(ctx, group, rec)
				return nil
			})
		}
		_ = eg.Wait()

		groupFailed := 0
		for i, rec := range runnable {
			if err := m.Resolve(rec.ID, outcomes[i]); err != nil {
				logger.Errorf("job %s: resolving outcome failed: %v", rec.ID, err)
			}
			if outcomes[i] != nil {
				groupFailed++
				logger.Errorf("job %s failed in group %d: %v", rec.ID, group, outcomes[i])
				report.Failed++
			} else {
				report.Completed++
			}
		}
		if groupFailed > 0 {
			report.FailedGroups = append(report.FailedGroups, group)
			logger.Warnf("group %d finished with %d/%d jobs failed; failures kept for retry", group, groupFailed, len(runnable))
		} else {
			logger.Infof("group %d fully executed", group)
		}
	}
	return report, nil
}

// RunReport summarizes one queue drain.
type RunReport struct {
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	FailedGroups []int `json:"failed_groups,omitempty"`
}

func sortedGroups(groups map[int][]Record) []int {
	keys := make([]int, 0, len(groups))
	for group := range groups {
		keys = append(keys, group)
	}
	sort.Ints(keys)
	return keys
}
