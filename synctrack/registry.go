// Package synctrack tracks outstanding fences and the handles their
// submissions reference. A registered fence produces a FenceToken; until the
// token has been observed through Wait or Poll, every guard attached to it
// reports in-flight and refuses release. An observed token doubles as release
// evidence for exactly the guards it retired.
package synctrack

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/tethergpu/tether/driver"
	"github.com/tethergpu/tether/guard"
	"github.com/tethergpu/tether/internal/utils"
)

// FenceToken pairs one submitted fence with the guards its batch references.
type FenceToken struct {
	id       uint64
	fence    driver.Fence
	guards   []*guard.Guard
	observed atomic.Bool
}

// Fence returns the underlying fence handle. The token retains ownership.
func (t *FenceToken) Fence() driver.Fence { return t.fence }

// Observed reports whether the fence signal has been seen by the registry.
func (t *FenceToken) Observed() bool { return t.observed.Load() }

// Covers implements guard.Evidence: an observed token is proof of quiescence
// for exactly the guards it was registered with.
func (t *FenceToken) Covers(g *guard.Guard) bool {
	if !t.observed.Load() {
		return false
	}
	for _, tracked := range t.guards {
		if tracked == g {
			return true
		}
	}
	return false
}

// Registry tracks every fence with outstanding GPU work. One registry exists
// per device context.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	tokens *swiss.Map[uint64, *FenceToken]
	nextID uint64
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: utils.LoggerOrDiscard(logger),
		tokens: swiss.NewMap[uint64, *FenceToken](8),
	}
}

// Register records a fence that was just attached to a submission, along with
// the guards that submission references. Each guard is marked in-flight until
// the fence is observed.
func (r *Registry) Register(fence driver.Fence, guards ...*guard.Guard) *FenceToken {
	r.mu.Lock()
	r.nextID++
	token := &FenceToken{
		id:     r.nextID,
		fence:  fence,
		guards: guards,
	}
	r.tokens.Put(token.id, token)
	r.mu.Unlock()

	for _, g := range guards {
		g.MarkPending()
	}

	return token
}

// Wait blocks until the token's fence signals or the timeout elapses. On
// success the token is retired: its guards stop reporting in-flight and the
// registry forgets the fence. errdefs.ErrTimeout and fatal device errors
// propagate unchanged, leaving the token outstanding.
func (r *Registry) Wait(token *FenceToken, timeout time.Duration) error {
	if token.observed.Load() {
		return nil
	}

	err := token.fence.Wait(timeout)
	if err != nil {
		return err
	}

	r.retire(token)
	return nil
}

// Poll checks the token's fence without blocking, retiring the token when it
// has signaled.
func (r *Registry) Poll(token *FenceToken) (bool, error) {
	if token.observed.Load() {
		return true, nil
	}

	signaled, err := token.fence.Status()
	if err != nil {
		return false, err
	}
	if !signaled {
		return false, nil
	}

	r.retire(token)
	return true, nil
}

func (r *Registry) retire(token *FenceToken) {
	r.mu.Lock()
	if token.observed.Load() {
		r.mu.Unlock()
		return
	}
	token.observed.Store(true)
	r.tokens.Delete(token.id)
	r.mu.Unlock()

	for _, g := range token.guards {
		g.ClearPending()
	}
}

// PendingCount returns the number of fences with unobserved GPU work.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens.Count()
}

// WaitAll waits for every outstanding fence, applying timeout to each wait
// individually. Used on teardown paths after the caller has stopped
// submitting.
func (r *Registry) WaitAll(timeout time.Duration) error {
	r.mu.Lock()
	outstanding := make([]*FenceToken, 0, r.tokens.Count())
	r.tokens.Iter(func(id uint64, token *FenceToken) bool {
		outstanding = append(outstanding, token)
		return false
	})
	r.mu.Unlock()

	var err error
	for _, token := range outstanding {
		waitErr := r.Wait(token, timeout)
		if waitErr != nil {
			r.logger.Error("fence left outstanding during drain",
				slog.Uint64("token", token.id),
				slog.Any("error", waitErr))
		}
		err = errors.CombineErrors(err, waitErr)
	}

	return err
}
