package relay

import (
	"context"
	"time"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/stratum"
	"github.com/bardlex/minerelay/pkg/retry"
)

// connect replaces the pool link with a fresh one and logs in with the
// current wallet. Callers hold reconnectMu and own the surrounding state
// transitions; connect only moves the session to CONNECTED on success.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.link
	s.link = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	link, err := stratum.Dial(ctx, s.cfg.PoolAddr, stratum.Options{
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		MaxLineSize:  s.cfg.MaxLineSize,
		Sequence:     &s.seq,
		Logger:       s.logger,
	}, stratum.HandlerFunc(s.handlePoolMessage))
	if err != nil {
		s.logger.WithError(err).Warn("pool connect failed")
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = link.Close()
		return ErrSessionClosed
	}
	s.link = link
	s.loginID = ""
	clear(s.pending)
	walletAddr := s.currentWallet
	// Counted while CLOSED is still excluded, so Close then Wait sees the watcher.
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.login(link, walletAddr); err != nil {
		_ = link.Close()
		s.wg.Done()
		return err
	}

	s.transition(StateConnected, "logged in")

	go s.watch(link)

	return nil
}

func (s *Session) login(link *stratum.Link, walletAddr string) error {
	id, err := link.Login(stratum.LoginParams{
		Login: walletAddr,
		Pass:  s.cfg.Password,
		Agent: s.cfg.Agent,
		Algo:  s.cfg.Algos,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("login sent", "request_id", id)
	return nil
}

// relogin re-authenticates the live link with the current wallet.
func (s *Session) relogin() error {
	s.mu.Lock()
	link := s.link
	walletAddr := s.currentWallet
	s.mu.Unlock()

	if link == nil || !link.Connected() {
		return ErrNotConnected
	}
	return s.login(link, walletAddr)
}

// watch waits for link to end and starts auto-reconnect when it was lost
// rather than closed on purpose.
func (s *Session) watch(link *stratum.Link) {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		return
	case <-link.Done():
	}

	if link.Err() == nil || s.ctx.Err() != nil {
		return
	}

	// A nil link means a synchronous reconnect is replacing it.
	s.mu.Lock()
	current := s.link == link || s.link == nil
	s.mu.Unlock()
	if !current {
		return
	}

	s.reconnect(link.Err())
}

// reconnect retries with a linearly growing delay before each attempt. On
// exhaustion the session stays DISCONNECTED for good and the fatal callback fires.
func (s *Session) reconnect(cause error) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	alive := s.link != nil && s.link.Connected()
	exhausted := s.exhausted
	s.mu.Unlock()
	if alive || exhausted || s.ctx.Err() != nil {
		return
	}

	s.transition(StateReconnecting, cause.Error())

	attempts := s.cfg.ReconnectAttempts
	cfg := retry.ReconnectConfig(attempts, s.cfg.ReconnectDelay)
	cfg.OnAttempt = func(attempt int, delay time.Duration) {
		s.logger.Info("reconnecting to pool", "attempt", attempt, "max_attempts", attempts, "delay", delay.String())
		s.observer.Reconnecting(s.reconnectEvent(attempt, delay, messaging.ReconnectAttempt, nil))
	}

	err := retry.Do(s.ctx, cfg, func() error {
		return s.connect(s.ctx)
	})
	if err == nil {
		s.observer.Reconnecting(s.reconnectEvent(0, 0, messaging.ReconnectRecovered, nil))
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.exhausted = true
	s.mu.Unlock()

	fatal := reconnectExhaustedError(err, attempts)
	s.transition(StateDisconnected, "reconnect attempts exhausted")
	s.observer.Reconnecting(s.reconnectEvent(attempts, 0, messaging.ReconnectExhausted, fatal))
	s.fail(fatal)
}

// reconnectOnce makes a single immediate attempt, used by the submitter.
// It never runs while the background loop holds the lock or after exhaustion.
func (s *Session) reconnectOnce() error {
	if !s.reconnectMu.TryLock() {
		return ErrNotConnected
	}
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	state := s.state
	alive := s.link != nil && s.link.Connected()
	exhausted := s.exhausted
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case alive:
		return nil
	case exhausted:
		return ErrNotConnected
	}

	s.transition(StateReconnecting, "submit on dead link")
	if err := s.connect(s.ctx); err != nil {
		s.transition(StateDisconnected, "synchronous reconnect failed")
		return err
	}
	return nil
}

func (s *Session) reconnectEvent(attempt int, delay time.Duration, outcome string, err error) messaging.ReconnectEvent {
	ev := messaging.ReconnectEvent{
		SessionID:   s.id,
		PoolAddr:    s.cfg.PoolAddr,
		Attempt:     attempt,
		MaxAttempts: s.cfg.ReconnectAttempts,
		Delay:       delay,
		Outcome:     outcome,
		At:          s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Session) fail(err error) {
	s.logger.WithError(err).Error("session failed permanently")

	s.mu.Lock()
	ev := s.sessionEventLocked(messaging.SessionFatal, err.Error())
	s.mu.Unlock()
	s.observer.SessionChanged(ev)

	if s.onFatal != nil {
		s.onFatal(err)
	}
}
