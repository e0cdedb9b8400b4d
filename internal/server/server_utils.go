package server

import (
	"errors"
	"io"
	"log/slog"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/session"
)

// isTimeout reports a deadline error anywhere in the chain.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// handleCloseReason logs why a connection ended.
func handleCloseReason(logger *slog.Logger, reason error) {
	switch {
	case reason == nil:
		logger.Info("Connection closed")
	case errors.Is(reason, io.EOF):
		logger.Info("Client close connection")
	case errors.Is(reason, session.ErrSessionTakeOver):
		logger.Info("Connection closed, session taken over")
	case errors.Is(reason, session.ErrKeepaliveTimeout):
		logger.Warn("Reading timeout, keepalive expired")
	case errors.Is(reason, session.ErrSessionClosed):
		logger.Info("Connection closed by server")
	case errors.Is(reason, session.ErrHandshakeFailed):
		logger.Debug("Connection closed after failed handshake")
	case connection.IsNetClosedError(reason):
		logger.Info("Connection closed", "error", reason)
	default:
		logger.Error("Error occured while reading packet", "error", reason)
	}
}

// reasonLabel is the metrics label of a close reason.
func reasonLabel(reason error) string {
	switch {
	case reason == nil:
		return "disconnect"
	case errors.Is(reason, session.ErrSessionTakeOver):
		return "takeover"
	case errors.Is(reason, session.ErrKeepaliveTimeout):
		return "keepalive_timeout"
	case errors.Is(reason, session.ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(reason, session.ErrSessionClosed):
		return "server_shutdown"
	case errors.Is(reason, session.ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(reason, errProtocolViolation):
		return "protocol_violation"
	case errors.Is(reason, io.EOF):
		return "client_closed"
	}
	return "error"
}
