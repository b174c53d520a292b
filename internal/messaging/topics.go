package messaging

// Topic constants for relay events
const (
	TopicSessions       = "relay.sessions"        // lifecycle and keepalive
	TopicShares         = "relay.shares"          // submitted shares and pool verdicts
	TopicWalletSwitches = "relay.wallet_switches" // user/operator phase changes
	TopicReconnects     = "relay.reconnects"      // pool reconnect attempts
)

// Topics lists every topic the relay writes to
var Topics = []string{TopicSessions, TopicShares, TopicWalletSwitches, TopicReconnects}
