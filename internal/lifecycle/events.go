package lifecycle

import (
	"sync"

	"github.com/agentmux/agentmux/internal/domain/proc"
)

// subscriber buffers lifecycle events for one Watch caller. Producers append
// and return immediately; a pump goroutine feeds the subscriber's channel, so
// a slow consumer never blocks the manager.
type subscriber struct {
	mu     sync.Mutex
	buf    []proc.Event
	notify chan struct{}
	closed bool
	out    chan proc.Event
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan proc.Event),
	}
}

func (s *subscriber) push(evt proc.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the buffer into the out channel until closed.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			if s.closed {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.notify
			continue
		}
		evt := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		s.out <- evt
	}
}

// Watch returns a channel of lifecycle events (spawn/kill/restart/crash/
// health) and a cancel function. Any number of watchers may be active;
// consuming slowly never blocks the manager.
func (m *Manager) Watch() (<-chan proc.Event, func()) {
	s := newSubscriber()
	go s.pump()

	m.subMu.Lock()
	m.subs[s] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, s)
		m.subMu.Unlock()
		s.close()
	}
	return s.out, cancel
}

func (m *Manager) emit(evt proc.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs {
		s.push(evt)
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs {
		s.close()
		delete(m.subs, s)
	}
}
