// Package scheduler coalesces bursts of ledger changes into one settlement
// recalculation per group.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDelay   = 500 * time.Millisecond
	DefaultTimeout = 30 * time.Second
)

var ErrStopped = errors.New("scheduler stopped")

type Recalculator interface {
	RecalculateGroup(ctx context.Context, groupID, reason string) error
}

type Recorder interface {
	IncTrigger(mode string)
	SetPending(n int)
}

type TriggerOptions struct {
	Immediate bool
	Delay     time.Duration
}

type PendingRecalculation struct {
	GroupID     string        `json:"group_id"`
	Reason      string        `json:"reason"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	RunAt       time.Time     `json:"run_at"`
}

type Stats struct {
	Pending    int           `json:"pending"`
	Delay      time.Duration `json:"delay"`
	Timeout    time.Duration `json:"timeout"`
	Triggered  int64         `json:"triggered"`
	Executed   int64         `json:"executed"`
	Failed     int64         `json:"failed"`
	Superseded int64         `json:"superseded"`
}

type Options struct {
	Delay       time.Duration
	Timeout     time.Duration
	// LeaseTTL is how long a claim outlives its due time. Defaults to Timeout.
	LeaseTTL    time.Duration
	Coordinator Coordinator
	Logger      *slog.Logger
	Metrics     Recorder
}

type pendingRun struct {
	timer       *time.Timer
	token       string
	reason      string
	delay       time.Duration
	scheduledAt time.Time
}

type Scheduler struct {
	recalc  Recalculator
	coord   Coordinator
	logger  *slog.Logger
	metrics Recorder
	delay   time.Duration
	timeout time.Duration
	lease   time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingRun
	stopped bool

	triggered  atomic.Int64
	executed   atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64
}

func New(recalc Recalculator, opts Options) *Scheduler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = opts.Timeout
	}
	if opts.Coordinator == nil {
		opts.Coordinator = NewMemoryCoordinator()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		recalc:  recalc,
		coord:   opts.Coordinator,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		delay:   opts.Delay,
		timeout: opts.Timeout,
		lease:   opts.LeaseTTL,
		baseCtx: ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingRun),
	}
}

// Trigger schedules a recalculation for the group. A debounced trigger
// replaces any pending one, so only the last reason and delay take effect.
// An immediate trigger drops the pending slot and runs before returning.
func (s *Scheduler) Trigger(ctx context.Context, groupID, reason string, opts TriggerOptions) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.triggered.Add(1)

	if opts.Immediate {
		prev := s.removeLocked(groupID)
		s.mu.Unlock()
		s.releaseClaim(prev, groupID)
		s.record("immediate")
		return s.run(ctx, groupID, reason, "immediate")
	}

	delay := opts.Delay
	if delay <= 0 {
		delay = s.delay
	}
	prev := s.removeLocked(groupID)
	if prev != nil {
		s.superseded.Add(1)
	}
	token := uuid.NewString()
	run := &pendingRun{token: token, reason: reason, delay: delay, scheduledAt: time.Now()}
	run.timer = time.AfterFunc(delay, func() { s.fire(groupID, token) })
	s.pending[groupID] = run
	s.mu.Unlock()

	if err := s.coord.Claim(ctx, groupID, token, delay+s.lease); err != nil {
		s.logger.Warn("recalculation claim failed, running locally", "group_id", groupID, "error", err)
	}
	s.record("debounced")
	s.logger.Debug("recalculation scheduled", "group_id", groupID, "reason", reason, "delay", delay)
	return nil
}

// Force runs a recalculation now, cancelling any pending one.
func (s *Scheduler) Force(ctx context.Context, groupID, reason string) error {
	return s.Trigger(ctx, groupID, reason, TriggerOptions{Immediate: true})
}

// Cancel drops the pending recalculation for the group, if any.
func (s *Scheduler) Cancel(groupID string) bool {
	s.mu.Lock()
	prev := s.removeLocked(groupID)
	s.mu.Unlock()
	return s.dropped(groupID, prev)
}

// CancelIfScheduledBefore drops the pending recalculation only when it was
// scheduled before t. A recalculation that read the ledger at t covers those
// triggers but not the ones that arrived later.
func (s *Scheduler) CancelIfScheduledBefore(groupID string, t time.Time) bool {
	s.mu.Lock()
	var prev *pendingRun
	if p, ok := s.pending[groupID]; ok && p.scheduledAt.Before(t) {
		prev = s.removeLocked(groupID)
	}
	s.mu.Unlock()
	return s.dropped(groupID, prev)
}

func (s *Scheduler) dropped(groupID string, prev *pendingRun) bool {
	if prev == nil {
		return false
	}
	s.releaseClaim(prev, groupID)
	s.record("")
	s.logger.Debug("recalculation cancelled", "group_id", groupID, "reason", prev.reason)
	return true
}

func (s *Scheduler) Pending() []PendingRecalculation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRecalculation, 0, len(s.pending))
	for groupID, p := range s.pending {
		out = append(out, PendingRecalculation{
			GroupID:     groupID,
			Reason:      p.reason,
			Delay:       p.delay,
			ScheduledAt: p.scheduledAt,
			RunAt:       p.scheduledAt.Add(p.delay),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		Pending:    pending,
		Delay:      s.delay,
		Timeout:    s.timeout,
		Triggered:  s.triggered.Load(),
		Executed:   s.executed.Load(),
		Failed:     s.failed.Load(),
		Superseded: s.superseded.Load(),
	}
}

// Stop cancels every pending timer and waits for in-flight debounced runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := make(map[string]*pendingRun, len(s.pending))
	for groupID := range s.pending {
		dropped[groupID] = s.removeLocked(groupID)
	}
	s.mu.Unlock()

	for groupID, p := range dropped {
		s.releaseClaim(p, groupID)
	}
	s.cancel()
	s.wg.Wait()
	s.record("")
}

func (s *Scheduler) fire(groupID, token string) {
	s.mu.Lock()
	p, ok := s.pending[groupID]
	if !ok || p.token != token || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, groupID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.record("")

	owner, err := s.coord.Release(s.baseCtx, groupID, token)
	if err != nil {
		s.logger.Warn("recalculation release failed, running anyway", "group_id", groupID, "error", err)
	} else if !owner {
		s.superseded.Add(1)
		s.logger.Debug("recalculation superseded by another instance", "group_id", groupID)
		return
	}
	_ = s.run(s.baseCtx, groupID, p.reason, "debounced")
}

func (s *Scheduler) run(ctx context.Context, groupID, reason, mode string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.recalc.RecalculateGroup(ctx, groupID, reason)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("settlement recalculation failed",
			"group_id", groupID, "reason", reason, "mode", mode, "duration", time.Since(start), "error", err)
		return err
	}
	s.executed.Add(1)
	s.logger.Info("settlement recalculation completed",
		"group_id", groupID, "reason", reason, "mode", mode, "duration", time.Since(start))
	return nil
}

func (s *Scheduler) removeLocked(groupID string) *pendingRun {
	p, ok := s.pending[groupID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(s.pending, groupID)
	return p
}

func (s *Scheduler) releaseClaim(p *pendingRun, groupID string) {
	if p == nil {
		return
	}
	if _, err := s.coord.Release(context.Background(), groupID, p.token); err != nil {
		s.logger.Warn("recalculation release failed", "group_id", groupID, "error", err)
	}
}

func (s *Scheduler) record(mode string) {
	if s.metrics == nil {
		return
	}
	if mode != "" {
		s.metrics.IncTrigger(mode)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetPending(n)
}
