package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/utils"
)

// ErrAlreadyRunning is returned when an org already has an active runner.
var ErrAlreadyRunning = errors.New("feedback runner already running")

// Status is the runner's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Completion reasons.
const (
	ReasonIdle          = "idle"
	ReasonMaxIterations = "max_iterations"
	ReasonStopped       = "stopped"
	ReasonCancelled     = "cancelled"
)

const (
	passIntake         = "intake"
	passAnalysis       = "analysis"
	passImplementation = "implementation"
	passVerification   = "verification"

	lastErrorRunes = 500
	controlBuffer  = 8
)

// State is a snapshot of a runner.
type State struct {
	Status           Status    `json:"status"`
	Iteration        int       `json:"iteration"`
	Processed        int       `json:"processed"`
	StartedAt        time.Time `json:"started_at"`
	LastActivity     time.Time `json:"last_activity"`
	CompletionReason string    `json:"completion_reason,omitempty"`
}

// Config bounds the runner's work.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	ItemTimeout   time.Duration
	MaxIterations int // 0 = unlimited
	MinDataPoints int
}

// ConfigFrom converts the feedback section of the service configuration.
func ConfigFrom(c config.FeedbackConfig) Config {
	return Config{
		Interval:      c.Interval,
		BatchSize:     c.BatchSize,
		ItemTimeout:   c.ItemTimeout,
		MaxIterations: c.MaxIterations,
		MinDataPoints: c.MinDataPoints,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 2 * time.Minute
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = config.MinVerificationPoints
	}
	return c
}

// CompletionFunc reports whether the runner has nothing left to do.
type CompletionFunc func(ctx context.Context) (bool, error)

// DefaultCompletion is satisfied when the org has no pending feedback and no card outside done or dismissed.
func DefaultCompletion(store persistence.FeedbackStore, orgID string) CompletionFunc {
	return func(ctx context.Context) (bool, error) {
		pending, err := store.CountPendingFeedback(ctx, orgID)
		if err != nil {
			return false, err
		}
		open, err := store.CountNonTerminalCards(ctx, orgID)
		if err != nil {
			return false, err
		}
		return pending == 0 && open == 0, nil
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sends card and runner events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithMetrics records per-item outcomes, card moves and iterations on m.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithCompletion replaces DefaultCompletion as the condition that ends Run.
func WithCompletion(fn CompletionFunc) Option {
	return func(r *Runner) { r.completion = fn }
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdStop
)

// Runner drives one org's feedback through intake, analysis, implementation
// and verification. Passes run sequentially on a single goroutine.
type Runner struct {
	orgID      string
	store      Store
	analyzer   Analyzer
	cfg        Config
	board      *Board
	publisher  events.Publisher
	metrics    Metrics
	completion CompletionFunc
	logger     *logx.Logger
	now        func() time.Time

	mu      sync.Mutex
	state   State
	done    chan struct{}
	control chan command
}

// NewRunner creates a stopped runner for orgID. A nil analyzer uses HeuristicAnalyzer.
func NewRunner(orgID string, store Store, analyzer Analyzer, cfg Config, opts ...Option) *Runner {
	if analyzer == nil {
		analyzer = HeuristicAnalyzer{}
	}
	r := &Runner{
		orgID:     orgID,
		store:     store,
		analyzer:  analyzer,
		cfg:       cfg.withDefaults(),
		publisher: events.Nop{},
		metrics:   nopMetrics{},
		logger:    logx.NewLogger("feedback:" + orgID),
		now:       utcNow,
		state:     State{Status: StatusStopped},
		control:   make(chan command, controlBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.completion == nil {
		r.completion = DefaultCompletion(store, orgID)
	}
	r.board = NewBoard(store, r.publisher, r.metrics)
	return r
}

// OrgID returns the organization the runner serves.
func (r *Runner) OrgID() string { return r.orgID }

// State returns a snapshot of the runner.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pause holds the runner before its next iteration until Resume or Stop.
// It reports false when the runner is not running.
func (r *Runner) Pause() bool { return r.send(cmdPause) }

// Resume continues a paused runner.
func (r *Runner) Resume() bool { return r.send(cmdResume) }

// Stop ends Run before its next iteration.
func (r *Runner) Stop() bool { return r.send(cmdStop) }

// send delivers cmd to an active runner. It reports false when the runner is not running.
func (r *Runner) send(cmd command) bool {
	r.mu.Lock()
	active := r.state.Status != StatusStopped
	done := r.done
	r.mu.Unlock()
	if !active {
		return false
	}
	select {
	case r.control <- cmd:
		return true
	case <-done:
		return false
	}
}

// RunOnce runs every pass once and returns the number of items that made progress.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	passes := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{passIntake, r.intake},
		{passAnalysis, r.analyze},
		{passImplementation, r.implement},
		{passVerification, r.verify},
	}

	total := 0
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.run(ctx)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			r.logger.Error("%s pass failed: %v", p.name, err)
		}
	}

	r.metrics.RunnerIteration()
	r.mu.Lock()
	r.state.Iteration++
	r.state.Processed += total
	if total > 0 {
		r.state.LastActivity = r.now()
	}
	r.mu.Unlock()
	return total, nil
}

// Run loops until the completion predicate is satisfied, MaxIterations is
// reached, Stop is called or ctx is cancelled. Only cancellation returns an error.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	return r.loop(ctx)
}

func (r *Runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != StatusStopped {
		return fmt.Errorf("org %s: %w", r.orgID, ErrAlreadyRunning)
	}
	// Drop commands addressed to an earlier run.
	for len(r.control) > 0 {
		<-r.control
	}
	now := r.now()
	r.state = State{Status: StatusRunning, StartedAt: now, LastActivity: now}
	r.done = make(chan struct{})
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	r.logger.Info("feedback loop started (interval %s, batch %d)", r.cfg.Interval, r.cfg.BatchSize)
	for {
		// Step 1: apply commands that arrived while the passes ran.
		if reason, stop := r.drain(ctx); stop {
			return r.finish(ctx, reason)
		}

		// Step 2: one iteration.
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return r.finish(ctx, ReasonCancelled)
		}
		state := r.State()
		r.logger.Debug("iteration %d processed %d items", state.Iteration, n)

		// Step 3: decide whether to continue.
		complete, err := r.completion(ctx)
		switch {
		case err != nil:
			r.logger.Warn("completion check failed: %v", err)
		case complete:
			return r.finish(ctx, ReasonIdle)
		}
		if r.cfg.MaxIterations > 0 && state.Iteration >= r.cfg.MaxIterations {
			return r.finish(ctx, ReasonMaxIterations)
		}

		// Step 4: sleep, honoring pause and stop.
		if reason, stop := r.sleep(ctx, r.cfg.Interval); stop {
			return r.finish(ctx, reason)
		}
	}
}

// drain applies queued commands without blocking. A pause blocks until resumed or stopped.
func (r *Runner) drain(ctx context.Context) (string, bool) {
	for {
		select {
		case cmd := <-r.control:
			if reason, stop := r.apply(cmd); stop {
				return reason, true
			}
		default:
			if r.State().Status == StatusPaused {
				return r.sleep(ctx, r.cfg.Interval)
			}
			return "", false
		}
	}
}

// sleep waits for d or a resume. While paused the timer is ignored.
func (r *Runner) sleep(ctx context.Context, d time.Duration) (string, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		var tick <-chan time.Time
		if r.State().Status != StatusPaused {
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			return ReasonCancelled, true
		case cmd := <-r.control:
			wasPaused := r.State().Status == StatusPaused
			if reason, stop := r.apply(cmd); stop {
				return reason, true
			}
			if cmd == cmdResume && wasPaused {
				return "", false
			}
		case <-tick:
			return "", false
		}
	}
}

func (r *Runner) apply(cmd command) (string, bool) {
	switch cmd {
	case cmdStop:
		return ReasonStopped, true
	case cmdPause:
		r.setStatus(StatusPaused)
		r.logger.Info("paused")
	case cmdResume:
		r.setStatus(StatusRunning)
		r.logger.Info("resumed")
	}
	return "", false
}

func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.state.Status = s
	r.mu.Unlock()
}

func (r *Runner) finish(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.state.Status = StatusStopped
	r.state.CompletionReason = reason
	state := r.state
	close(r.done)
	r.mu.Unlock()

	r.logger.Info("feedback loop stopped: %s after %d iterations, %d items", reason, state.Iteration, state.Processed)
	if reason == ReasonCancelled {
		return ctx.Err()
	}
	return nil
}

// item runs fn under the per-item timeout and counts the outcome.
func (r *Runner) item(ctx context.Context, pass string, fn func(context.Context) error) error {
	ictx, cancel := context.WithTimeout(ctx, r.cfg.ItemTimeout)
	defer cancel()
	err := fn(ictx)
	r.metrics.FeedbackItem(pass, err)
	if err != nil {
		r.logger.Warn("%s: %v", pass, err)
	}
	return err
}

// recordCardError stores err on the persisted card. The in-memory copy may be
// partially modified, so the card is reloaded first.
func (r *Runner) recordCardError(ctx context.Context, cardID string, err error) {
	ctx = context.WithoutCancel(ctx)
	card, gerr := r.store.GetCard(ctx, r.orgID, cardID)
	if gerr != nil {
		r.logger.Warn("card %s: failed to reload for error: %v", cardID, gerr)
		return
	}
	if card.Column.IsTerminal() {
		return
	}
	card.LastError = utils.TruncateRunes(err.Error(), lastErrorRunes)
	if uerr := r.store.UpdateCard(ctx, card); uerr != nil {
		r.logger.Warn("card %s: failed to record error: %v", cardID, uerr)
	}
}
