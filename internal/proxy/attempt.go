package proxy

import (
	"context"
	"sync"
)

type attemptState int

const (
	stateAccepted attemptState = iota // reads suppressed
	stateDialing
	stateFailed
	statePaired
	stateClosing
	stateClosed
)

func (s attemptState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateDialing:
		return "dialing"
	case stateFailed:
		return "failed"
	case statePaired:
		return "paired"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

var validTransitions = map[attemptState][]attemptState{
	stateAccepted: {stateDialing},
	stateDialing:  {stateFailed, statePaired},
	stateFailed:   {stateClosed},
	statePaired:   {stateClosing},
	stateClosing:  {stateClosed},
}

// attempt is the lifecycle of one accepted client.
type attempt struct {
	id     string
	cancel context.CancelFunc

	mu    sync.Mutex
	state attemptState
}

func newAttempt(id string, cancel context.CancelFunc) *attempt {
	return &attempt{id: id, cancel: cancel, state: stateAccepted}
}

func (a *attempt) State() attemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// transition moves from -> to and reports whether it happened. It fails when
// the attempt is not in from or the edge is not part of the lifecycle.
func (a *attempt) transition(from, to attemptState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			a.state = to
			return true
		}
	}
	return false
}

// tracker is the single registry of live attempts used for shutdown.
type tracker struct {
	mu       sync.Mutex
	closing  bool
	attempts map[string]*attempt
	pairs    map[string]*Pair
}

func newTracker() *tracker {
	return &tracker{attempts: make(map[string]*attempt), pairs: make(map[string]*Pair)}
}

// add registers a new attempt; it fails once shutdown has begun.
func (t *tracker) add(a *attempt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.attempts[a.id] = a
	return true
}

// promote marks a dialing attempt as paired and registers the pair built by
// form. It fails without calling form once shutdown has begun, so a dial that
// completes late never registers a live pair.
func (t *tracker) promote(a *attempt, form func() *Pair) (*Pair, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || !a.transition(stateDialing, statePaired) {
		return nil, false
	}
	p := form()
	t.pairs[a.id] = p
	return p, true
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	delete(t.attempts, id)
	delete(t.pairs, id)
	t.mu.Unlock()
}

// beginShutdown rejects further add/promote calls and cancels outstanding dials.
func (t *tracker) beginShutdown() {
	t.mu.Lock()
	t.closing = true
	var cancels []context.CancelFunc
	for id, a := range t.attempts {
		if _, paired := t.pairs[id]; !paired {
			cancels = append(cancels, a.cancel)
		}
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// closeAll cancels every attempt and closes every pair still tracked.
func (t *tracker) closeAll() {
	t.mu.Lock()
	attempts := make([]*attempt, 0, len(t.attempts))
	for _, a := range t.attempts {
		attempts = append(attempts, a)
	}
	pairs := make([]*Pair, 0, len(t.pairs))
	for _, p := range t.pairs {
		pairs = append(pairs, p)
	}
	t.mu.Unlock()
	for _, a := range attempts {
		a.cancel()
	}
	for _, p := range pairs {
		p.Close()
	}
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}
