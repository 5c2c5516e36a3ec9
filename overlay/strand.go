package overlay

import "sync"

// strand serializes the manager's timer ticks, stop dispatch, and outbound
// connect work onto one logical thread. Tasks posted after close are dropped.
type strand struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
}

func newStrand() *strand {
	return &strand{}
}

func (s *strand) post(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tasks = append(s.tasks, f)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *strand) drain() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		f()
	}
}

func (s *strand) close() {
	s.mu.Lock()
	s.closed = true
	s.tasks = nil
	s.mu.Unlock()
}
