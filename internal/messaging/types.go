package messaging

import "time"

// Session event kinds
const (
	SessionStateChanged = "state_changed"
	SessionKeepalive    = "keepalive"
	SessionFatal        = "fatal"
)

// Share statuses
const (
	ShareSubmitted = "submitted"
	ShareAccepted  = "accepted"
	ShareRejected  = "rejected"
)

// Reconnect outcomes
const (
	ReconnectAttempt   = "attempt"
	ReconnectRecovered = "recovered"
	ReconnectExhausted = "exhausted"
)

// SessionEvent describes a change in a browser session's lifecycle
type SessionEvent struct {
	SessionID     string    `json:"session_id"`
	Event         string    `json:"event"`
	PoolAddr      string    `json:"pool_addr"`
	State         string    `json:"state"`
	PrevState     string    `json:"prev_state,omitempty"`
	HasUserWallet bool      `json:"has_user_wallet"`
	WalletType    string    `json:"wallet_type"`
	JobID         string    `json:"job_id,omitempty"`
	Submitted     uint64    `json:"submitted"`
	Accepted      uint64    `json:"accepted"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// ShareEvent is emitted when a share is forwarded and again when the pool answers
type ShareEvent struct {
	SessionID  string    `json:"session_id"`
	RequestID  uint64    `json:"request_id"`
	JobID      string    `json:"job_id"`
	WalletType string    `json:"wallet_type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Difficulty uint64    `json:"difficulty,omitempty"`
	LatencyMs  float64   `json:"latency_ms,omitempty"`
	At         time.Time `json:"at"`
}

// WalletSwitchEvent records a scheduler phase change that moved the credited wallet
type WalletSwitchEvent struct {
	SessionID  string        `json:"session_id"`
	WalletType string        `json:"wallet_type"`
	Reason     string        `json:"reason"`
	Cycle      uint64        `json:"cycle"`
	Duration   time.Duration `json:"duration_ns"`
	Relogin    bool          `json:"relogin"`
	At         time.Time     `json:"at"`
}

// ReconnectEvent records one step of the auto-reconnect loop
type ReconnectEvent struct {
	SessionID   string        `json:"session_id"`
	PoolAddr    string        `json:"pool_addr"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay_ns"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}
