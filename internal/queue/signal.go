package queue

import "sync"

// signal wakes every idle worker at once. Each Notify closes the current
// channel and installs a fresh one, so waiters never miss a wake-up that
// happens between their claim attempt and their wait.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Notify wakes all current waiters. Safe from any goroutine.
func (s *signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// Wait returns a channel closed by the next Notify. Take it before trying
// to claim work, then select on it.
func (s *signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
