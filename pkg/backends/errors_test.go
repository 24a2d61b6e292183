package backends

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMethodUnavailableError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"numeric code", fmt.Errorf("jsonrpc: code -32601: not there"), true},
		{"method not found", errors.New("Method Not Found"), true},
		{"not implemented", errors.New("prompts are not implemented"), true},
		{"unsupported", errors.New("unsupported operation"), true},
		{"does not support", errors.New("server does not support resources"), true},
		{"unimplemented", errors.New("rpc error: Unimplemented"), true},
		{"unrelated", errors.New("dial tcp: connection refused"), false},
		{"wrapped", fmt.Errorf("list prompts: %w", errors.New("method not found")), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isMethodUnavailableError(tc.err); got != tc.want {
				t.Fatalf("isMethodUnavailableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsConnectionClosedError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"numeric code", errors.New("jsonrpc: code -32000: connection lost"), true},
		{"connection closed", errors.New("connection closed"), true},
		{"session closed", errors.New("session closed by peer"), true},
		{"transport closed", errors.New("transport closed"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"closed network conn", errors.New("use of closed network connection"), true},
		{"method missing is not a drop", errors.New("method not found"), false},
		{"unrelated", errors.New("invalid params"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isConnectionClosedError(tc.err); got != tc.want {
				t.Fatalf("isConnectionClosedError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
