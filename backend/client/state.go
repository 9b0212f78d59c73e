package client

// ConnectionState tracks where the client sits in its connect lifecycle.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateBackoff    ConnectionState = "backoff"
	StateClosed     ConnectionState = "closed"
)

// Status is a point-in-time view of the connection for consumers that
// render loading, error, and not-available states.
type Status struct {
	State     ConnectionState
	Connected bool
	LastError string
}
