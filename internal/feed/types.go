package feed

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a single websocket connection.
type ClientConfig struct {
	URL              string        // Market channel URL (e.g. wss://ws-subscriptions-clob.polymarket.com/ws/market)
	HandshakeTimeout time.Duration // Dial handshake bound
	PingInterval     time.Duration // Keepalive ping cadence
	PingTimeout      time.Duration // Max silence before the connection is considered stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
	}
}

// ManagerConfig configures the shared-connection manager.
type ManagerConfig struct {
	URL                string        // Market channel URL
	ReconnectBaseDelay time.Duration // First reconnect wait; doubles per failure
	ReconnectMaxDelay  time.Duration // Backoff cap
	IdleLinger         time.Duration // How long the socket stays open after the subscription set empties
	InitialDump        bool          // Ask the server to push a full book on subscribe
	Client             ClientConfig  // Per-connection settings (URL is filled from ManagerConfig.URL)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		IdleLinger:         5 * time.Second,
		InitialDump:        true,
		Client:             DefaultClientConfig(),
	}
}
