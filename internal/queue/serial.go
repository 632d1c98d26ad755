package queue

import "sync"

// Serial hands pushed items to a handler one at a time, in push order.
// Only one caller drains at a time; items pushed meanwhile (including from
// inside the handler) are picked up by the active drainer.
type Serial[T any] struct {
	q      *Queue[T]
	handle func(T)

	mu       sync.Mutex
	draining bool
	closed   bool
}

// NewSerial creates a Serial that feeds items to handle.
func NewSerial[T any](handle func(T)) *Serial[T] {
	return &Serial[T]{
		q:      New[T](),
		handle: handle,
	}
}

// Push enqueues item and drains the queue unless another caller already is.
func (s *Serial[T]) Push(item T) {
	s.Enqueue(item)
	s.Drain()
}

// Enqueue adds item without draining. Callers holding their own lock use it
// to fix the order of items, then call Drain after unlocking.
func (s *Serial[T]) Enqueue(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.q.Push(item)
}

// Drain feeds waiting items to the handler until the queue is empty.
// It returns at once if another caller is already draining.
func (s *Serial[T]) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next, ok := s.q.Pop()
		if !ok || s.closed {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.handle(next)
	}
}

// Pending returns the number of items waiting for the handler.
func (s *Serial[T]) Pending() int {
	return s.q.Len()
}

// Close discards waiting items and ignores later pushes.
// An item already inside the handler completes.
func (s *Serial[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.q.Clear()
}
