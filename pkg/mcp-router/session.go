package mcprouter

import (
	"sync"

	"github.com/vikashloomba/mcp-router-go/pkg/configstore"
)

// session is the singleton upstream client session. It owns the bounded
// outbound notification queue feeding the event stream. A new initialize
// replaces the current session wholesale.
type session struct {
	id     string
	events chan []byte
	done   chan struct{}
	once   sync.Once

	// config observed at initialize time, for diagnostics.
	config *configstore.Config
}

func newSession(id string, buffer int, config *configstore.Config) *session {
	return &session{
		id:     id,
		events: make(chan []byte, buffer),
		done:   make(chan struct{}),
		config: config,
	}
}

// notify enqueues payload for the event stream, dropping the oldest queued
// entry on overflow. Clients re-list on any tools/list_changed, so a
// dropped older notification is subsumed by the newer one.
func (s *session) notify(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.events <- payload:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
