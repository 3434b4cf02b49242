package transport

import "sync"

// StateMachine is the shared connection-state bookkeeping every
// concrete transport embeds, so Disconnected/Connecting/Connected/
// Reconnecting/Disconnecting/Disposed is enforced identically
// everywhere.
type StateMachine struct {
	mu    sync.Mutex
	value State
}

func (s *StateMachine) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *StateMachine) Set(v State) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// CompareAndSet sets value to to only if it currently equals from,
// reporting whether it did.
func (s *StateMachine) CompareAndSet(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != from {
		return false
	}
	s.value = to
	return true
}
