package backends

import (
	"errors"
	"strings"
)

// ErrServerClosed is returned from RPC helpers after Close has been called.
var ErrServerClosed = errors.New("backends: client closed")

// isMethodUnavailableError reports whether err indicates the server does not
// implement the requested method, either via JSON-RPC -32601 or one of the
// looser phrasings seen in the wild.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, needle := range []string{
		"-32601",
		"method not found",
		"not implemented",
		"unsupported",
		"does not support",
		"unimplemented",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// isConnectionClosedError reports whether err indicates the session died
// mid-call, making a reconnect-and-retry worthwhile.
func isConnectionClosedError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, needle := range []string{
		"-32000",
		"connection closed",
		"session closed",
		"transport closed",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
