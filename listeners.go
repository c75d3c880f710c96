package auth

import "sync"

type listenerSet[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (l *listenerSet[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]T)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listenerSet[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}
