package queue

import "sync"

// Signal is the wake-up primitive of the matching loop. Producers call Notify
// after pushing, the orchestrator calls Shutdown on stop, and the matching
// goroutine parks in WaitForWorkOrShutdown in between.
type Signal struct {
	mu       sync.Mutex
	cond     *sync.Cond
	shutdown bool
}

func NewSignal() *Signal {
	s := &Signal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Notify wakes the waiter. It takes the signal lock so that a push made before
// the call cannot slip between the waiter's predicate check and its Wait.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}

// Shutdown wakes the waiter for good, even with empty queues.
func (s *Signal) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.cond.Broadcast()
}

func (s *Signal) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// WaitForWorkOrShutdown blocks until one of the queues holds an order or the
// signal is shut down. The predicate is re-checked after every wake, so
// spurious wake-ups are absorbed here. It returns false only on shutdown.
func (s *Signal) WaitForWorkOrShutdown(queues ...*OrderQueue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.shutdown {
			return false
		}
		for _, q := range queues {
			if !q.Empty() {
				return true
			}
		}
		s.cond.Wait()
	}
}
