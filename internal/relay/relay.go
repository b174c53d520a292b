package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/stratum"
	"github.com/bardlex/minerelay/internal/validation"
	"github.com/bardlex/minerelay/pkg/errors"
)

// AttachSink makes sink the session's single outbound channel. A cached job
// is pushed to it immediately.
func (s *Session) AttachSink(sink Sink) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.sink = sink
	job := s.job
	s.mu.Unlock()

	if job == nil || sink == nil {
		return
	}
	data, err := stratum.JobNotification(job)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode cached job")
		return
	}
	if err := sink(data); err != nil {
		s.logger.WithError(err).Debug("sink rejected cached job")
	}
}

// DetachSink clears the outbound sink
func (s *Session) DetachSink() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// deliver sends data to the sink, if any. Sink errors are swallowed.
func (s *Session) deliver(data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink(data); err != nil {
		s.logger.WithError(err).Debug("sink delivery failed")
	}
}

// handlePoolMessage updates cached state and forwards the raw line. It runs
// on the link's receive goroutine, so messages arrive in socket order.
func (s *Session) handlePoolMessage(msg *stratum.PoolMessage) {
	var shareEv *messaging.ShareEvent

	s.mu.Lock()
	switch msg.Kind {
	case stratum.KindLoginResult:
		s.loginID = msg.LoginID
		close(s.loginSignal)
		s.loginSignal = make(chan struct{})
		s.setJobLocked(msg.Job)

	case stratum.KindJob:
		s.setJobLocked(msg.Job)

	case stratum.KindSubmitResult, stratum.KindError:
		if p, ok := s.pending[msg.ID]; ok && msg.HasID {
			delete(s.pending, msg.ID)
			ev := messaging.ShareEvent{
				SessionID:  s.id,
				RequestID:  msg.ID,
				JobID:      p.jobID,
				WalletType: string(p.kind),
				LatencyMs:  float64(s.now().Sub(p.sentAt).Microseconds()) / 1000,
				At:         s.now(),
			}
			if diff, err := validation.TargetDifficulty(p.target); err == nil {
				ev.Difficulty = diff
			}
			if msg.Accepted() {
				s.accepted++
				ev.Status = messaging.ShareAccepted
			} else {
				s.rejected++
				ev.Status = messaging.ShareRejected
				if msg.Err != nil {
					ev.Error = msg.Err.Message
				}
			}
			shareEv = &ev
		} else if msg.Kind == stratum.KindError {
			s.logger.Warn("pool returned error", "request_id", msg.ID, "error", msg.Err.Error())
		}
	}
	s.mu.Unlock()

	if shareEv != nil {
		s.logger.LogShareSubmission(shareEv.WalletType, shareEv.JobID, shareEv.RequestID, shareEv.Status)
		s.observer.ShareProcessed(*shareEv)
	}

	s.deliver(msg.Raw)
}

// setJobLocked replaces the cached job and wakes get_job waiters.
func (s *Session) setJobLocked(job *stratum.Job) {
	if job == nil {
		return
	}
	s.job = job
	close(s.jobSignal)
	s.jobSignal = make(chan struct{})
}

// WaitForJob returns the cached job, waiting up to timeout once if none is
// cached yet. It returns nil if no job arrived.
func (s *Session) WaitForJob(ctx context.Context, timeout time.Duration) *stratum.Job {
	s.mu.Lock()
	job, signal := s.job, s.jobSignal
	s.mu.Unlock()
	if job != nil {
		return job
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
	case <-timer.C:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return s.Job()
}

// Handle dispatches one browser frame. Replies go to the sink. Malformed or
// unknown frames are logged and dropped; the returned error is informational.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	cmd, err := ParseCommand(data)
	if err != nil {
		s.logger.WithError(err).Warn("dropping malformed browser message")
		return errors.Wrap(err, errors.ErrorTypeProtocol, "handle", "malformed browser message")
	}

	switch cmd.Type {
	case TypeSetWallet:
		hasUser, message, start := s.setWallet(cmd.Wallet)
		s.deliver(encodeMessage(WalletAck{
			Type:          TypeWalletAck,
			HasUserWallet: hasUser,
			Message:       message,
		}))
		if start {
			s.startScheduler()
		}

	case TypeSubmit:
		err := s.SubmitShare(cmd.Nonce, cmd.Result, cmd.JobID)
		if err != nil {
			s.logger.WithError(err).Info("share not forwarded")
		}
		s.deliver(encodeMessage(SubmitAck{Type: TypeSubmitAck, Success: err == nil}))

	case TypeGetJob:
		job := s.WaitForJob(ctx, s.cfg.JobWaitTimeout)
		data, err := stratum.JobNotification(job)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "get_job", "failed to encode job")
		}
		s.deliver(data)

	case TypeKeepalive:
		s.deliver(encodeMessage(KeepaliveAck{Type: TypeKeepaliveAck}))
		s.mu.Lock()
		ev := s.sessionEventLocked(messaging.SessionKeepalive, "")
		s.mu.Unlock()
		s.observer.SessionChanged(ev)

	default:
		s.logger.Warn("dropping unknown browser message", "type", cmd.Type)
		return errors.New(errors.ErrorTypeProtocol, "handle", fmt.Sprintf("unknown message type %q", cmd.Type))
	}

	return nil
}
