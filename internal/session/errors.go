package session

import "errors"

var (
	// ErrHandshakeFailed ends a connection whose CONNECT was malformed, late or unauthorized.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrSessionTakeOver is the close reason of a session displaced by a new connection with the same client id.
	ErrSessionTakeOver = errors.New("session taken over")
	// ErrKeepaliveTimeout is the close reason of a session that stayed silent for 1.5 times its keepalive.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")
	// ErrDeliveryFailed reports a delivery dropped after its bounded retries.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrSessionClosed is returned by operations on a closed session or connection.
	ErrSessionClosed = errors.New("session closed")

	ErrPacketIDsExhausted = errors.New("no free packet identifier")
	ErrEmptyClientID      = errors.New("client_id is empty")
)
