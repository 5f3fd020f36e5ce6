package memory

import "sync"

// Window keeps the most recent values up to a fixed capacity
type Window[T any] struct {
	stream   []T
	capacity int
	mu       sync.RWMutex
}

func NewWindow[T any](capacity int) *Window[T] {
	return &Window[T]{
		stream:   make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Values returns a copy of the window contents, oldest first
func (w *Window[T]) Values() []T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	values := make([]T, len(w.stream))
	copy(values, w.stream)
	return values
}

func (w *Window[T]) Store(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stream = append(w.stream, v)
	if len(w.stream) > w.capacity {
		w.stream = w.stream[1:]
	}
}

// Rate returns the fraction of true values in a boolean window
func Rate(w *Window[bool]) float64 {
	values := w.Values()
	if len(values) == 0 {
		return 0
	}
	var hits int
	for _, v := range values {
		if v {
			hits++
		}
	}
	return float64(hits) / float64(len(values))
}
