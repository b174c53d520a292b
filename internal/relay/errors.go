package relay

import (
	"time"

	"github.com/bardlex/minerelay/pkg/errors"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New(errors.ErrorTypeConnection, "session", "session is closed")

// ErrNotConnected is returned when the pool link is down and could not be restored.
var ErrNotConnected = errors.New(errors.ErrorTypeConnection, "session", "pool link is not connected")

func rateLimitedError(since, interval time.Duration) error {
	return errors.New(errors.ErrorTypeRateLimited, "submit", "share submitted too soon").
		WithContext("since_last_ms", since.Milliseconds()).
		WithContext("interval_ms", interval.Milliseconds())
}

func reconnectExhaustedError(cause error, attempts int) error {
	return errors.Wrap(cause, errors.ErrorTypeReconnectExhausted, "reconnect",
		"pool unreachable after all reconnect attempts").
		WithContext("attempts", attempts)
}
