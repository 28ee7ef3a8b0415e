package conn

import "errors"

var (
	ErrNotConnected   = errors.New("conn: not connected")
	ErrAlreadyStarted = errors.New("conn: connect already requested")
	ErrClosing        = errors.New("conn: connection is closing")
	ErrOversize       = errors.New("conn: outbound message exceeds mtu")
	ErrNoCookie       = errors.New("conn: message does not start with cookie echo")
	ErrCookieToken    = errors.New("conn: cookie token does not match message token")
)

var (
	ErrHandshakeTimeout  error = &TimeoutError{Op: "handshake"}
	ErrRetransmitTimeout error = &TimeoutError{Op: "retransmit"}
	ErrIdleTimeout       error = &TimeoutError{Op: "idle"}
	// ErrLingerTimeout closes a connection whose sent data was still unacked.
	ErrLingerTimeout error = &TimeoutError{Op: "linger"}
)

// TimeoutError is a retry or idle budget running out. It implements net.Error.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string   { return "conn: " + e.Op + " timeout" }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return false }
