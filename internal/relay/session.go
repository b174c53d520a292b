// Package relay bridges one browser session to one pool connection.
//
// A Session owns its pool link, the cached job, the wallet scheduler and the
// reconnect loop. Browser frames enter through Handle; pool traffic and acks
// leave through the attached Sink, in order.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/minerelay/internal/config"
	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/stratum"
	"github.com/bardlex/minerelay/internal/validation"
	"github.com/bardlex/minerelay/internal/wallet"
	"github.com/bardlex/minerelay/pkg/log"
)

// State is the session connection state
type State int

const (
	// StateDisconnected means no pool link; terminal once reconnects are exhausted
	StateDisconnected State = iota
	// StateConnecting is the initial connect and login
	StateConnecting
	// StateConnected means the link is up and a login was sent
	StateConnected
	// StateReconnecting means the link was lost and is being restored
	StateReconnecting
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink delivers one text message to the browser
type Sink func(data []byte) error

// Config holds per-session settings
type Config struct {
	PoolAddr       string
	OperatorWallet string
	UserWallet     string

	Password string
	Agent    string
	Algos    []string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineSize  int

	SubmitInterval    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	JobWaitTimeout    time.Duration

	Wallet wallet.Config
}

// NewConfig derives session settings from the service configuration
func NewConfig(cfg *config.Config) Config {
	return Config{
		PoolAddr:          cfg.PoolAddress(),
		OperatorWallet:    cfg.OperatorWallet,
		Password:          cfg.PoolPassword,
		Agent:             cfg.PoolAgent,
		Algos:             cfg.PoolAlgos,
		DialTimeout:       cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxLineSize:       cfg.MaxMessageSize,
		SubmitInterval:    cfg.SubmitInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		JobWaitTimeout:    cfg.JobWaitTimeout,
		Wallet: wallet.Config{
			CycleLength:  cfg.CycleLength,
			UserFraction: cfg.UserFraction,
			Resolution:   time.Second,
		},
	}
}

// Option customizes a session
type Option func(*Session)

// WithLogger sets the base logger
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithObserver sets the event observer
func WithObserver(obs Observer) Option {
	return func(s *Session) { s.observer = obs }
}

// WithID overrides the generated session id
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithOnFatal registers a callback for unrecoverable session failures.
// The caller is expected to tear the browser connection down.
func WithOnFatal(fn func(err error)) Option {
	return func(s *Session) { s.onFatal = fn }
}

type pendingShare struct {
	jobID  string
	kind   wallet.Kind
	target string
	sentAt time.Time
}

// Session is one browser's relay to the pool.
type Session struct {
	id        string
	cfg       Config
	logger    *log.Logger
	observer  Observer
	onFatal   func(err error)
	seq       stratum.Sequence
	validator *validation.ShareValidator
	scheduler *wallet.Scheduler
	now       func() time.Time

	// ctx is the stop signal for every loop and wait the session owns.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectMu sync.Mutex
	deliverMu   sync.Mutex

	mu            sync.Mutex
	state         State
	link          *stratum.Link
	userWallet    string
	currentWallet string
	walletKind    wallet.Kind
	loginID       string
	loginSignal   chan struct{}
	job           *stratum.Job
	jobSignal     chan struct{}
	submitted     uint64
	accepted      uint64
	rejected      uint64
	lastSubmit    time.Time
	pending       map[uint64]pendingShare
	sink          Sink
	exhausted     bool
}

// Create connects to the pool and logs in, with the user wallet when it is
// valid and the operator wallet otherwise. The wallet scheduler is started
// when a valid user wallet is present. ctx bounds the initial connect only.
func Create(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	s := newSession(cfg, opts...)

	s.transition(StateConnecting, "create")

	s.reconnectMu.Lock()
	err := s.connect(ctx)
	s.reconnectMu.Unlock()
	if err != nil {
		s.transition(StateDisconnected, "initial connect failed")
		s.cancel()
		return nil, err
	}

	if s.HasUserWallet() {
		s.startScheduler()
	}

	return s, nil
}

func newSession(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:         cfg,
		validator:   validation.NewShareValidator(0),
		now:         time.Now,
		jobSignal:   make(chan struct{}),
		loginSignal: make(chan struct{}),
		pending:     make(map[uint64]pendingShare),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = log.Discard()
	}
	if s.observer == nil {
		s.observer = Observers(nil)
	}
	if s.cfg.Wallet.CycleLength <= 0 {
		s.cfg.Wallet = wallet.DefaultConfig()
	}

	s.logger = s.logger.WithSession(s.id, cfg.PoolAddr).WithComponent("session")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.scheduler = wallet.NewScheduler(s.cfg.Wallet, wallet.SwitcherFunc(s.switchWallet), s.logger)

	user := strings.TrimSpace(cfg.UserWallet)
	if validation.IsValidWallet(user) {
		s.userWallet = user
		s.currentWallet = user
		s.walletKind = wallet.KindUser
	} else {
		if user != "" {
			s.logger.Warn("ignoring invalid user wallet")
		}
		s.currentWallet = cfg.OperatorWallet
		s.walletKind = wallet.KindOperator
	}

	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasUserWallet reports whether a valid user wallet is set
func (s *Session) HasUserWallet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userWallet != ""
}

// CurrentWallet returns the wallet the pool is currently credited to and its kind
func (s *Session) CurrentWallet() (string, wallet.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWallet, s.walletKind
}

// Job returns the cached job, or nil
func (s *Session) Job() *stratum.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// LoginID returns the pool-assigned login id
func (s *Session) LoginID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginID
}

// Stats is a point-in-time view of a session
type Stats struct {
	ID             string
	State          string
	WalletType     wallet.Kind
	HasUserWallet  bool
	SchedulerState string
	JobID          string
	Target         string
	Submitted      uint64
	Accepted       uint64
	Rejected       uint64
	LastSubmit     time.Time
}

// Stats returns counters and state for logs and the session registry
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		ID:             s.id,
		State:          s.state.String(),
		WalletType:     s.walletKind,
		HasUserWallet:  s.userWallet != "",
		SchedulerState: s.scheduler.State().String(),
		Submitted:      s.submitted,
		Accepted:       s.accepted,
		Rejected:       s.rejected,
		LastSubmit:     s.lastSubmit,
	}
	if s.job != nil {
		st.JobID = s.job.ID
		st.Target = s.job.Target
	}
	return st
}

// transition moves to a new state and reports it. CLOSED is never left.
func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = to
	ev := s.sessionEventLocked(messaging.SessionStateChanged, reason)
	ev.PrevState = from.String()
	s.mu.Unlock()

	s.logger.LogStateChange(from.String(), to.String())
	s.observer.SessionChanged(ev)
}

func (s *Session) sessionEventLocked(event, reason string) messaging.SessionEvent {
	ev := messaging.SessionEvent{
		SessionID:     s.id,
		Event:         event,
		PoolAddr:      s.cfg.PoolAddr,
		State:         s.state.String(),
		HasUserWallet: s.userWallet != "",
		WalletType:    string(s.walletKind),
		Submitted:     s.submitted,
		Accepted:      s.accepted,
		Reason:        reason,
		At:            s.now(),
	}
	if s.job != nil {
		ev.JobID = s.job.ID
	}
	return ev
}

func (s *Session) startScheduler() {
	if s.ctx.Err() != nil {
		return
	}
	s.scheduler.Start(s.ctx)
}

// Close stops every loop, closes the pool socket and detaches the sink.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateClosed
	link := s.link
	s.sink = nil
	ev := s.sessionEventLocked(messaging.SessionStateChanged, "closed")
	ev.PrevState = from.String()
	s.mu.Unlock()

	s.cancel()
	s.scheduler.Stop()

	var err error
	if link != nil {
		err = link.Close()
	}

	s.logger.LogStateChange(from.String(), StateClosed.String())
	s.observer.SessionChanged(ev)
	return err
}

// Wait blocks until the session's background goroutines have exited
func (s *Session) Wait() {
	s.wg.Wait()
	if done := s.scheduler.Done(); done != nil {
		<-done
	}
}

// Done is closed once Close has been called
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}
