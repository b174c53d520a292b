package relay

import (
	"fmt"
	"strings"

	"github.com/hako/durafmt"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/validation"
	"github.com/bardlex/minerelay/internal/wallet"
)

// SetWallet sets the user wallet. An invalid address is rejected and the
// previous valid wallet, if any, stays in effect along with the scheduler.
// A valid address starts the scheduler if it is not running, and triggers
// an immediate re-login when the user phase is current. It returns whether
// a user wallet is in effect and a message for the browser.
func (s *Session) SetWallet(addr string) (bool, string) {
	hasUser, message, start := s.setWallet(addr)
	if start {
		s.startScheduler()
	}
	return hasUser, message
}

// setWallet applies addr and reports whether the scheduler still needs
// starting. The caller starts it once the browser has its wallet_ack, so a
// first-phase wallet_switch never overtakes the ack.
func (s *Session) setWallet(addr string) (bool, string, bool) {
	addr = strings.TrimSpace(addr)

	if err := validation.DefaultWalletRule.Validate(addr); err != nil {
		s.mu.Lock()
		hasUser := s.userWallet != ""
		s.mu.Unlock()

		s.logger.WithError(err).Warn("rejected user wallet")
		if hasUser {
			return true, "Invalid wallet address; keeping your previous wallet", false
		}
		return false, "Invalid wallet address; mining to the operator wallet", false
	}

	s.mu.Lock()
	changed := s.userWallet != addr
	s.userWallet = addr
	relogin := changed && s.walletKind == wallet.KindUser
	if relogin {
		s.currentWallet = addr
	}
	s.mu.Unlock()

	if relogin {
		if err := s.relogin(); err != nil {
			s.logger.WithError(err).Warn("re-login with new user wallet failed")
		}
	}

	user, _ := s.cfg.Wallet.Plan()
	return true, fmt.Sprintf("Mining to your wallet %s of every %s",
		durafmt.Parse(user).String(), durafmt.Parse(s.cfg.Wallet.CycleLength).String()),
		!s.scheduler.Active()
}

// switchWallet is the scheduler callback. When the phase's wallet differs
// from the current one it re-logs in first and then announces the switch.
func (s *Session) switchWallet(phase wallet.Phase) {
	s.mu.Lock()
	kind := phase.State.Wallet()
	target := s.cfg.OperatorWallet
	if kind == wallet.KindUser {
		if s.userWallet == "" {
			kind = wallet.KindOperator
		} else {
			target = s.userWallet
		}
	}
	changed := s.currentWallet != target
	s.currentWallet = target
	s.walletKind = kind
	s.mu.Unlock()

	if !changed {
		return
	}

	relogged := true
	if err := s.relogin(); err != nil {
		relogged = false
		s.logger.WithError(err).Warn("wallet switch re-login failed; next connect will use the new wallet")
	}

	reason := switchReason(kind, phase)
	s.logger.LogWalletSwitch(string(kind), reason, relogged)
	s.observer.WalletSwitched(messaging.WalletSwitchEvent{
		SessionID:  s.id,
		WalletType: string(kind),
		Reason:     reason,
		Cycle:      phase.Cycle,
		Duration:   phase.Duration,
		Relogin:    relogged,
		At:         s.now(),
	})

	s.deliver(encodeMessage(WalletSwitch{
		Type:       TypeWalletSwitch,
		WalletType: string(kind),
		Message:    reason,
	}))
}

func switchReason(kind wallet.Kind, phase wallet.Phase) string {
	d := durafmt.Parse(phase.Duration).String()
	if kind == wallet.KindUser {
		return "Mining to your wallet for " + d
	}
	return "Dev fee: mining to the operator wallet for " + d
}
