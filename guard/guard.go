// Package guard implements scoped ownership for native handles. A Guard
// couples a handle's destroy action with the set of objects it depends on and
// refuses to run the action while a dependent object, or in-flight GPU work,
// can still observe the handle. The underlying API has no safety net for
// destruction ordering, so the ordering rules live here as checked state
// rather than in scope-exit conventions.
package guard

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tethergpu/tether/errdefs"
)

// Evidence is caller-supplied proof that no GPU operation can still observe a
// handle: an already-observed fence token, an Idle marker constructed after a
// full device idle wait, or HostOwned for handles the GPU never sees.
// Covers is invoked with the guard's lock
// held; implementations must treat g as an identity and not call back into
// its methods.
type Evidence interface {
	Covers(g *Guard) bool
}

type idleEvidence struct {
	source string
}

func (e idleEvidence) Covers(g *Guard) bool { return true }

// Idle returns Evidence covering every guard. It must only be constructed
// after a wait that proves full GPU quiescence, such as a successful device
// idle wait; source names that wait for diagnostics.
func Idle(source string) Evidence {
	return idleEvidence{source: source}
}

type hostOwnedEvidence struct{}

func (hostOwnedEvidence) Covers(g *Guard) bool { return g.pending == 0 }

// HostOwned is Evidence for handles the GPU never observes, such as objects
// that exist purely host-side. It covers a guard only while no submission
// references it; a handle with in-flight work still needs a fence token or an
// idle wait.
var HostOwned Evidence = hostOwnedEvidence{}

// Guard owns one native handle. Dependencies passed to Acquire must outlive
// the guard: their release is rejected until this guard has released first.
type Guard struct {
	name    string
	destroy func() error

	mu         sync.Mutex
	deps       []*Guard
	dependents int
	pending    int
	released   bool
}

// Acquire wraps a native handle's destroy action. deps are the objects this
// handle requires to stay alive; they cannot release until this guard does.
func Acquire(name string, destroy func() error, deps ...*Guard) *Guard {
	g := &Guard{
		name:    name,
		destroy: destroy,
		deps:    deps,
	}
	for _, dep := range deps {
		dep.addDependent()
	}
	return g
}

func (g *Guard) Name() string { return g.name }

// Released reports whether the destroy action has run.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Promote adds a dependency edge after acquisition, keeping dep alive until
// this guard releases. Used when a long-lived resource starts depending on
// one created later.
func (g *Guard) Promote(dep *Guard) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		panic(fmt.Sprintf("guard %q: promoting a dependency onto a released guard", g.name))
	}
	g.deps = append(g.deps, dep)
	g.mu.Unlock()

	dep.addDependent()
}

// MarkPending records one in-flight GPU reference to the handle. Called by
// the synchronization registry when the guard is attached to a submitted
// fence; ClearPending is called once that fence has been observed.
func (g *Guard) MarkPending() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		panic(fmt.Sprintf("guard %q: marking a released guard as pending", g.name))
	}
	g.pending++
}

func (g *Guard) ClearPending() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending <= 0 {
		panic(fmt.Sprintf("guard %q: pending count underflow", g.name))
	}
	g.pending--
}

// Pending reports whether submitted-but-unobserved GPU work references the
// handle.
func (g *Guard) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending > 0
}

func (g *Guard) addDependent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		panic(fmt.Sprintf("guard %q: acquiring a dependency on a released guard", g.name))
	}
	g.dependents++
}

func (g *Guard) removeDependent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dependents <= 0 {
		panic(fmt.Sprintf("guard %q: dependent count underflow", g.name))
	}
	g.dependents--
}

// Release runs the destroy action exactly once. It fails with
// errdefs.ErrStillInUse while dependents are live, or while in-flight GPU
// work references the handle and no evidence covers it. Releasing a guard
// twice is a programming error and panics: the native destroy has already
// run, and running it again is undefined behavior the wrapper must surface
// loudly.
func (g *Guard) Release(evidence ...Evidence) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		panic(fmt.Sprintf("guard %q: released twice", g.name))
	}
	if g.dependents > 0 {
		count := g.dependents
		g.mu.Unlock()
		return errors.Wrapf(errdefs.ErrStillInUse, "%s has %d live dependents", g.name, count)
	}
	if g.pending > 0 && !covered(g, evidence) {
		count := g.pending
		g.mu.Unlock()
		return errors.Wrapf(errdefs.ErrStillInUse, "%s is referenced by %d in-flight submissions", g.name, count)
	}

	g.released = true
	destroy := g.destroy
	deps := g.deps
	g.deps = nil
	g.mu.Unlock()

	var err error
	if destroy != nil {
		err = destroy()
	}

	for _, dep := range deps {
		dep.removeDependent()
	}

	if err != nil {
		return errors.Wrapf(err, "destroying %s", g.name)
	}
	return nil
}

// ReleaseTree releases this guard and then, post-order, every dependency
// that has no remaining dependents. Shared dependencies release when their
// last dependent has. Used for top-down teardown after an idle wait.
func (g *Guard) ReleaseTree(evidence ...Evidence) error {
	g.mu.Lock()
	deps := make([]*Guard, len(g.deps))
	copy(deps, g.deps)
	g.mu.Unlock()

	err := g.Release(evidence...)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		dep.mu.Lock()
		skip := dep.released || dep.dependents > 0
		dep.mu.Unlock()
		if skip {
			continue
		}

		depErr := dep.ReleaseTree(evidence...)
		err = errors.CombineErrors(err, depErr)
	}

	return err
}

func covered(g *Guard, evidence []Evidence) bool {
	for _, e := range evidence {
		if e == nil {
			continue
		}
		if e.Covers(g) {
			return true
		}
	}
	return false
}
