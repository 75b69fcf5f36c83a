package mockdriver

import "sync"

// handleTracker counts live native handles by kind so tests can assert that
// teardown returned the backend to its baseline.
type handleTracker struct {
	mu   sync.Mutex
	live map[string]int
}

func newHandleTracker() *handleTracker {
	return &handleTracker{live: map[string]int{}}
}

func (t *handleTracker) created(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[kind]++
}

func (t *handleTracker) destroyed(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live[kind] <= 0 {
		panic("a " + kind + " handle was destroyed more times than it was created")
	}
	t.live[kind]--
}

func (t *handleTracker) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := 0
	for _, count := range t.live {
		sum += count
	}
	return sum
}

func (t *handleTracker) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.live))
	for kind, count := range t.live {
		if count > 0 {
			out[kind] = count
		}
	}
	return out
}
