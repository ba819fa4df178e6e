package relay

import "sync"

// DefaultWindow is how many recent messages a viewer keeps.
const DefaultWindow = 1000

// Window holds the most recent messages seen by a viewer. When full, the
// oldest message is dropped to make room.
type Window struct {
	mu       sync.RWMutex
	items    []Message
	capacity int
	size     int
	head     int // next write position
	dropped  int64
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Window{items: make([]Message, capacity), capacity: capacity}
}

// Push appends m and reports whether an older message was evicted.
func (w *Window) Push(m Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	evicted := w.size == w.capacity
	w.items[w.head] = m
	w.head = (w.head + 1) % w.capacity
	if evicted {
		w.dropped++
	} else {
		w.size++
	}
	return evicted
}

// Messages returns the window's content, oldest first.
func (w *Window) Messages() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Message, w.size)
	tail := (w.head - w.size + w.capacity) % w.capacity
	for i := range w.size {
		out[i] = w.items[(tail+i)%w.capacity]
	}
	return out
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Dropped is how many messages have been evicted so far.
func (w *Window) Dropped() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dropped
}

func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.items)
	w.size, w.head = 0, 0
}
