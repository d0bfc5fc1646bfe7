package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var disconnectMessages = []string{
	"stream ended unexpectedly",
	"connection reset",
	"broken pipe",
	"client disconnected",
}

// IsClientDisconnect reports whether a read error means the client went
// away in the middle of a chunk.
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientDisconnected) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range disconnectMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isTimeout reports whether err is a read deadline or context deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
