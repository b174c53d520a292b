package relay

import (
	"time"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/stratum"
	"github.com/bardlex/minerelay/internal/validation"
	"github.com/bardlex/minerelay/internal/wallet"
)

// SubmitShare forwards a share to the pool. At most one share per
// SubmitInterval is forwarded; a faster one is rejected locally. An empty
// jobID means the last known job. A dead link gets one synchronous
// reconnect attempt before the share is given up.
func (s *Session) SubmitShare(nonce, result, jobID string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	target := ""
	if s.job != nil {
		if jobID == "" {
			jobID = s.job.ID
		}
		target = s.job.Target
	}
	s.mu.Unlock()

	share := &validation.Share{JobID: jobID, Nonce: nonce, Result: result}
	if err := s.validator.ValidateShare(share); err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	prev := s.lastSubmit
	if !prev.IsZero() && now.Sub(prev) < s.cfg.SubmitInterval {
		s.mu.Unlock()
		return rateLimitedError(now.Sub(prev), s.cfg.SubmitInterval)
	}
	s.lastSubmit = now
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.lastSubmit.Equal(now) {
			s.lastSubmit = prev
		}
		s.mu.Unlock()
	}

	if err := s.reconnectOnce(); err != nil {
		release()
		return err
	}

	// A fresh link has its login in flight; a share without the pool's
	// login id would be rejected.
	s.awaitLogin(s.cfg.JobWaitTimeout)

	s.mu.Lock()
	link, loginID, kind := s.link, s.loginID, s.walletKind
	s.mu.Unlock()
	if link == nil || loginID == "" {
		release()
		return ErrNotConnected
	}

	// Register before sending so a fast pool answer finds its share.
	id := s.seq.Next()
	s.mu.Lock()
	s.pending[id] = pendingShare{jobID: share.JobID, kind: kind, target: target, sentAt: now}
	s.mu.Unlock()

	err := link.Send(&stratum.Request{
		ID:     id,
		Method: stratum.MethodSubmit,
		Params: stratum.SubmitParams{
			ID:     loginID,
			JobID:  share.JobID,
			Nonce:  share.Nonce,
			Result: share.Result,
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		release()
		return err
	}

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()

	s.logger.LogShareSubmission(string(kind), share.JobID, id, messaging.ShareSubmitted)
	s.observer.ShareProcessed(s.shareEvent(id, share.JobID, kind))
	return nil
}

// awaitLogin waits up to timeout for the login result of the current link
func (s *Session) awaitLogin(timeout time.Duration) {
	s.mu.Lock()
	link, loginID, signal := s.link, s.loginID, s.loginSignal
	s.mu.Unlock()
	if link == nil || loginID != "" {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
	case <-link.Done():
	case <-timer.C:
	case <-s.ctx.Done():
	}
}

func (s *Session) shareEvent(id uint64, jobID string, kind wallet.Kind) messaging.ShareEvent {
	return messaging.ShareEvent{
		SessionID:  s.id,
		RequestID:  id,
		JobID:      jobID,
		WalletType: string(kind),
		Status:     messaging.ShareSubmitted,
		At:         s.now(),
	}
}
