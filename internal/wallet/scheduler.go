// Package wallet decides which wallet a session's shares are credited to.
//
// A Scheduler alternates between a user phase and an operator (dev fee)
// phase. Each cycle starts with the user phase; the switcher is told about
// every phase entry and is responsible for re-logging in when needed.
package wallet

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bardlex/minerelay/pkg/log"
	"github.com/bardlex/minerelay/pkg/retry"
)

// Kind names the wallet credited during a phase
type Kind string

const (
	// KindUser is the browser user's own wallet
	KindUser Kind = "user"
	// KindOperator is the relay operator's wallet
	KindOperator Kind = "operator"
)

// State is the scheduler state
type State int

const (
	// StateInactive means no switching is happening
	StateInactive State = iota
	// StateUserPhase credits the user wallet
	StateUserPhase
	// StateDevPhase credits the operator wallet
	StateDevPhase
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateUserPhase:
		return "user_phase"
	case StateDevPhase:
		return "dev_phase"
	default:
		return "unknown"
	}
}

// Wallet returns the wallet credited in this state
func (s State) Wallet() Kind {
	if s == StateUserPhase {
		return KindUser
	}
	return KindOperator
}

// Phase describes a phase being entered
type Phase struct {
	State    State
	Duration time.Duration
	Cycle    uint64
}

// Switcher is notified on every phase entry, from the scheduler goroutine.
type Switcher interface {
	SwitchWallet(phase Phase)
}

// SwitcherFunc adapts a function to Switcher
type SwitcherFunc func(phase Phase)

// SwitchWallet calls f(phase)
func (f SwitcherFunc) SwitchWallet(phase Phase) { f(phase) }

// Config controls the cycle
type Config struct {
	CycleLength  time.Duration
	UserFraction float64

	// Resolution is the unit the user phase is rounded to (default 1s).
	Resolution time.Duration
}

// DefaultConfig is a 100s cycle with 85% credited to the user
func DefaultConfig() Config {
	return Config{
		CycleLength:  100 * time.Second,
		UserFraction: 0.85,
		Resolution:   time.Second,
	}
}

// Plan returns the user and operator phase lengths.
func (c Config) Plan() (user, dev time.Duration) {
	if c.CycleLength <= 0 {
		return 0, 0
	}
	res := c.Resolution
	if res <= 0 {
		res = time.Second
	}
	fraction := math.Min(math.Max(c.UserFraction, 0), 1)

	units := math.Round(float64(c.CycleLength) * fraction / float64(res))
	user = time.Duration(units) * res
	if user > c.CycleLength {
		user = c.CycleLength
	}
	return user, c.CycleLength - user
}

// Scheduler runs the phase loop for one session.
type Scheduler struct {
	cfg      Config
	switcher Switcher
	logger   *log.Logger

	// wait blocks for d or until ctx ends; swapped in tests.
	wait func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates an inactive scheduler
func NewScheduler(cfg Config, switcher Switcher, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Scheduler{
		cfg:      cfg,
		switcher: switcher,
		logger:   logger.WithComponent("scheduler"),
		wait:     retry.Wait,
	}
}

// Start activates the scheduler. It returns false if it was already running
// or the cycle is empty. The loop ends when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) bool {
	user, dev := s.cfg.Plan()
	if user+dev <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("wallet scheduler started",
		"user_phase", user.String(),
		"dev_phase", dev.String(),
	)

	go s.run(loopCtx, s.done, user, dev)
	return true
}

// Stop cancels the loop without waiting for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed when the current loop exits. It is nil if never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the loop is running
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, user, dev time.Duration) {
	defer func() {
		s.mu.Lock()
		s.state = StateInactive
		s.cancel = nil
		s.mu.Unlock()
		close(done)
		s.logger.Info("wallet scheduler stopped")
	}()

	for cycle := uint64(1); ; cycle++ {
		if user > 0 && !s.phase(ctx, Phase{State: StateUserPhase, Duration: user, Cycle: cycle}) {
			return
		}
		if dev > 0 && !s.phase(ctx, Phase{State: StateDevPhase, Duration: dev, Cycle: cycle}) {
			return
		}
	}
}

// phase enters p and waits it out; false means the loop was cancelled.
func (s *Scheduler) phase(ctx context.Context, p Phase) bool {
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	s.state = p.State
	s.mu.Unlock()

	if s.switcher != nil {
		s.switcher.SwitchWallet(p)
	}

	return s.wait(ctx, p.Duration) == nil
}
