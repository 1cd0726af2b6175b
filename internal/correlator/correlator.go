// Package correlator matches asynchronously arriving responses to the
// goroutine that issued the call.
//
// A caller registers an id, hands the request to the other side and blocks
// in Await. The responder calls Resolve from any goroutine. Registration,
// resolution and timeout eviction of an id are serialized by one mutex, so
// every registered call ends with exactly one outcome.
package correlator

import (
	"context"
	"sync"
	"time"

	"panthalassa/go-core/internal/apperr"
)

// Outcome labels reported to the Observer.
const (
	OutcomeResolved = "resolved"
	OutcomeFailed   = "failed"
	OutcomeTimedOut = "timed_out"
	OutcomeReleased = "released"
	OutcomeCanceled = "canceled"
)

// Observer receives lifecycle notifications; implementations must not block.
type Observer interface {
	CallRegistered()
	CallFinished(outcome string, age time.Duration)
}

type result struct {
	data string
	err  error
}

// PendingCall is the in-flight record for one call id.
type PendingCall struct {
	ID        int64
	Owner     string
	CreatedAt time.Time

	slot chan result
}

// Waiter is the handle a caller blocks on.
type Waiter struct {
	call *PendingCall
}

func (w *Waiter) ID() int64 {
	return w.call.ID
}

func (w *Waiter) Owner() string {
	return w.call.Owner
}

// AllocatedIDBase is the first id handed out by RegisterNext. Host chosen
// ids are expected to stay below it.
const AllocatedIDBase int64 = 1 << 48

type Correlator struct {
	mu       sync.Mutex
	pending  map[int64]*PendingCall
	nextID   int64
	observer Observer
}

func New(observer Observer) *Correlator {
	return &Correlator{
		pending:  make(map[int64]*PendingCall),
		nextID:   AllocatedIDBase,
		observer: observer,
	}
}

// Register creates a PendingCall for id. owner may be empty for calls not
// scoped to a DApp.
func (c *Correlator) Register(id int64, owner string) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, apperr.Wrap(apperr.ErrDuplicateID, "id %d", id)
	}
	call := &PendingCall{
		ID:        id,
		Owner:     owner,
		CreatedAt: time.Now(),
		slot:      make(chan result, 1),
	}
	c.pending[id] = call
	if c.observer != nil {
		c.observer.CallRegistered()
	}
	return &Waiter{call: call}, nil
}

// RegisterNext registers a runtime allocated id that is not outstanding.
func (c *Correlator) RegisterNext(owner string) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := c.nextID
		c.nextID++
		if c.nextID < AllocatedIDBase {
			c.nextID = AllocatedIDBase
		}
		if _, exists := c.pending[id]; exists {
			continue
		}
		call := &PendingCall{
			ID:        id,
			Owner:     owner,
			CreatedAt: time.Now(),
			slot:      make(chan result, 1),
		}
		c.pending[id] = call
		if c.observer != nil {
			c.observer.CallRegistered()
		}
		return &Waiter{call: call}, nil
	}
}

// Await blocks until the call is resolved, released, timed out or ctx ends.
// On timeout or cancellation the PendingCall is evicted; if a resolution
// won the race its outcome is returned instead.
func (c *Correlator) Await(ctx context.Context, w *Waiter, timeout time.Duration) (string, error) {
	if w == nil || w.call == nil {
		return "", apperr.Validation("waiter is required")
	}
	if timeout <= 0 {
		c.evict(w.call, OutcomeCanceled)
		return "", apperr.Validation("timeout must be positive")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.call.slot:
		return res.data, res.err
	case <-timer.C:
		if c.evict(w.call, OutcomeTimedOut) {
			return "", apperr.Wrap(apperr.ErrTimedOut, "id %d after %s", w.call.ID, timeout)
		}
	case <-ctx.Done():
		if c.evict(w.call, OutcomeCanceled) {
			return "", ctx.Err()
		}
	}
	// Resolution removed the call first; its outcome is already buffered.
	res := <-w.call.slot
	return res.data, res.err
}

// Resolve delivers data (or responseError when non-empty) to the waiter of id.
func (c *Correlator) Resolve(id int64, data, responseError string) error {
	return c.resolve("", false, id, data, responseError)
}

// ResolveOwned is Resolve restricted to calls registered by owner. Calls of
// other owners are reported as unknown.
func (c *Correlator) ResolveOwned(owner string, id int64, data, responseError string) error {
	return c.resolve(owner, true, id, data, responseError)
}

func (c *Correlator) resolve(owner string, checkOwner bool, id int64, data, responseError string) error {
	c.mu.Lock()
	call, ok := c.pending[id]
	if !ok || (checkOwner && call.Owner != owner) {
		c.mu.Unlock()
		return apperr.Wrap(apperr.ErrUnknownID, "id %d", id)
	}
	delete(c.pending, id)
	c.mu.Unlock()

	res := result{data: data}
	outcome := OutcomeResolved
	if responseError != "" {
		res = result{err: apperr.Delegate(responseError)}
		outcome = OutcomeFailed
	}
	call.slot <- res
	c.finished(outcome, call)
	return nil
}

// Cancel drops id when the request could not be handed to the other side.
// A waiter still blocked on it receives cause.
func (c *Correlator) Cancel(id int64, cause error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		call.slot <- result{err: cause}
		c.finished(OutcomeCanceled, call)
	}
	return ok
}

// ReleaseOwner resolves every call of owner with err and returns how many
// were released.
func (c *Correlator) ReleaseOwner(owner string, err error) int {
	return c.release(func(call *PendingCall) bool { return call.Owner == owner }, err)
}

// ReleaseAll resolves every outstanding call with err.
func (c *Correlator) ReleaseAll(err error) int {
	return c.release(func(*PendingCall) bool { return true }, err)
}

func (c *Correlator) release(match func(*PendingCall) bool, err error) int {
	c.mu.Lock()
	released := make([]*PendingCall, 0)
	for id, call := range c.pending {
		if match(call) {
			delete(c.pending, id)
			released = append(released, call)
		}
	}
	c.mu.Unlock()

	for _, call := range released {
		call.slot <- result{err: err}
		c.finished(OutcomeReleased, call)
	}
	return len(released)
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Outstanding reports whether id currently has a PendingCall.
func (c *Correlator) Outstanding(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *Correlator) evict(call *PendingCall, outcome string) bool {
	c.mu.Lock()
	current, ok := c.pending[call.ID]
	if !ok || current != call {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, call.ID)
	c.mu.Unlock()
	c.finished(outcome, call)
	return true
}

func (c *Correlator) finished(outcome string, call *PendingCall) {
	if c.observer != nil {
		c.observer.CallFinished(outcome, time.Since(call.CreatedAt))
	}
}
