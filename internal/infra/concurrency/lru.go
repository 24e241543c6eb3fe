// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Этот файл содержит SeenSet — потокобезопасный набор недавно увиденных ключей
// с вытеснением по вместимости (а не по времени, как Deduplicator): старейшая
// запись вытесняется, когда добавляется запись сверх capacity. Это соответствует
// семантике deque(maxlen=N) + set из эталонной реализации колбэк-обработчика.
package concurrency

import (
	"container/list"
	"sync"
)

// SeenSet is a fixed-capacity, insertion-order-eviction set used to make
// callback event dispatch idempotent: Add reports whether key was already
// present, and evicts the oldest key once len(set) would exceed capacity.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = oldest, back = newest
	index    map[string]*list.Element // key -> its node in order
}

// NewSeenSet creates a SeenSet holding at most capacity keys. A non-positive
// capacity is treated as 1 to keep the structure meaningful.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Add reports whether key was already present. If it was not, it is recorded
// as the newest entry, evicting the oldest entry if the set is now over
// capacity.
func (s *SeenSet) Add(key string) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return true
	}

	elem := s.order.PushBack(key)
	s.index[key] = elem

	if s.order.Len() > s.capacity {
		oldest := s.order.Front()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
	return false
}

// Len returns the current number of tracked keys.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
