package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"go.uber.org/zap"
)

// DefaultInterval is the period between interval-triggered reconciliations.
const DefaultInterval = 10 * time.Minute

// Reason names what requested a reconciliation.
type Reason string

const (
	ReasonStartup    Reason = "startup"
	ReasonInterval   Reason = "interval"
	ReasonVisibility Reason = "visibility"
	ReasonManual     Reason = "manual"
	ReasonRemote     Reason = "remote"
)

var errMissingSyncer = errors.New("scheduler: syncer required")

// Syncer runs one reconciliation.
type Syncer interface {
	Sync(ctx context.Context) (syncengine.Result, error)
}

// Completion reports the outcome of one attempt to every trigger attached to it.
type Completion struct {
	Reasons     []Reason
	StartedAt   time.Time
	CompletedAt time.Time
	Result      syncengine.Result
	Err         error
}

// Skipped reports whether the attempt did nothing because sync is disabled.
func (c Completion) Skipped() bool {
	return errors.Is(c.Err, syncengine.ErrSyncDisabled)
}

// Config wires a Scheduler.
type Config struct {
	Syncer     Syncer
	Interval   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
	OnComplete func(Completion)
}

// Attempt is one in-flight or finished reconciliation.
type Attempt struct {
	done       chan struct{}
	reasons    []Reason
	completion Completion
}

// Done is closed once the attempt finishes.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Completion returns the outcome. It is valid only after Done is closed.
func (a *Attempt) Completion() Completion {
	<-a.done
	return a.completion
}

// Scheduler holds at most one in-flight attempt. Triggers arriving while an
// attempt runs attach to it and their reasons are coalesced.
type Scheduler struct {
	syncer     Syncer
	interval   time.Duration
	logger     *zap.Logger
	clock      func() time.Time
	onComplete func(Completion)

	mu      sync.Mutex
	baseCtx context.Context
	current *Attempt
}

// New validates cfg and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	onComplete := cfg.OnComplete
	if onComplete == nil {
		onComplete = func(Completion) {}
	}
	return &Scheduler{
		syncer:     cfg.Syncer,
		interval:   interval,
		logger:     logger,
		clock:      clock,
		onComplete: onComplete,
		baseCtx:    context.Background(),
	}, nil
}

// Request starts an attempt or attaches to the running one.
func (s *Scheduler) Request(reason Reason) *Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.addReason(reason)
		s.logger.Debug("sync trigger coalesced", zap.String("reason", string(reason)))
		return s.current
	}
	attempt := &Attempt{done: make(chan struct{}), reasons: []Reason{reason}}
	s.current = attempt
	go s.execute(s.baseCtx, attempt)
	return attempt
}

// Trigger requests an attempt and waits for its completion or ctx.
func (s *Scheduler) Trigger(ctx context.Context, reason Reason) (Completion, error) {
	attempt := s.Request(reason)
	select {
	case <-attempt.Done():
		return attempt.completion, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Running reports whether an attempt is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Run triggers a startup reconciliation and then one per interval until ctx
// ends. It waits for the in-flight attempt before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.Request(ReasonStartup)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wait()
			return nil
		case <-ticker.C:
			s.Request(ReasonInterval)
		}
	}
}

func (s *Scheduler) wait() {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != nil {
		<-current.done
	}
}

func (s *Scheduler) execute(ctx context.Context, attempt *Attempt) {
	startedAt := s.clock().UTC()
	result, err := s.runSyncer(ctx)

	s.mu.Lock()
	s.current = nil
	reasons := append([]Reason(nil), attempt.reasons...)
	s.mu.Unlock()

	attempt.completion = Completion{
		Reasons:     reasons,
		StartedAt:   startedAt,
		CompletedAt: s.clock().UTC(),
		Result:      result,
		Err:         err,
	}
	close(attempt.done)
	s.report(attempt.completion)
}

func (s *Scheduler) runSyncer(ctx context.Context) (result syncengine.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scheduler: sync panicked: %v", recovered)
		}
	}()
	return s.syncer.Sync(ctx)
}

func (s *Scheduler) report(completion Completion) {
	fields := []zap.Field{
		zap.Strings("reasons", reasonStrings(completion.Reasons)),
		zap.Time("completed_at", completion.CompletedAt),
		zap.Duration("elapsed", completion.CompletedAt.Sub(completion.StartedAt)),
	}
	switch {
	case completion.Err == nil:
		s.logger.Info("sync attempt finished", fields...)
	case completion.Skipped():
		s.logger.Debug("sync skipped: not configured", fields...)
	case errors.Is(completion.Err, syncerr.ErrAuth):
		s.logger.Error("sync credentials rejected; reconfigure sync", append(fields, zap.Error(completion.Err))...)
	default:
		s.logger.Error("sync attempt failed", append(fields, zap.Error(completion.Err))...)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("sync completion handler panicked", zap.Any("panic", recovered))
		}
	}()
	s.onComplete(completion)
}

func (a *Attempt) addReason(reason Reason) {
	for _, existing := range a.reasons {
		if existing == reason {
			return
		}
	}
	a.reasons = append(a.reasons, reason)
}

func reasonStrings(reasons []Reason) []string {
	values := make([]string, len(reasons))
	for index, reason := range reasons {
		values[index] = string(reason)
	}
	return values
}
