// Package server classifies connection errors that only mean a socket was
// already closed.
package server

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// isExpectedCloseError reports errors that only mean the peer or the server
// already tore the connection down.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
