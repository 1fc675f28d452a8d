package jobguard

import "sync"

// Releaser is the side of a guardian a Ticket reports back to.
type Releaser[A any] interface {
	ReleaseAction(id string, next A)
}

// Ticket proves that an action was granted. It must be released exactly once,
// usually with defer right after a successful TryAcquire.
type Ticket[A State[A]] struct {
	guardian   Releaser[A]
	resourceID string
	previous   A
	next       A
	once       sync.Once
}

// NewTicket is used by Guardian implementations to hand out a granted action.
func NewTicket[A State[A]](g Releaser[A], id string, previous, next A) *Ticket[A] {
	return &Ticket[A]{guardian: g, resourceID: id, previous: previous, next: next}
}

func (t *Ticket[A]) ResourceID() string {
	if t == nil {
		return ""
	}
	return t.resourceID
}

// Previous is the state the resource was in when the ticket was granted.
func (t *Ticket[A]) Previous() A {
	var zero A
	if t == nil {
		return zero
	}
	return t.previous
}

// NextState is the state stored on Release.
func (t *Ticket[A]) NextState() A {
	var zero A
	if t == nil {
		return zero
	}
	return t.next
}

// Release stores the computed next state. Later calls, and calls after
// Rollback, do nothing.
func (t *Ticket[A]) Release() {
	t.release(func() A { return t.next })
}

// Rollback restores the state held before the ticket was granted. It is used
// when the granted operation turned out to have nothing to do.
func (t *Ticket[A]) Rollback() {
	t.release(func() A { return t.previous })
}

// ReleaseAs stores state in place of the computed next state, for when the
// operation left the resource somewhere the transition table cannot predict.
func (t *Ticket[A]) ReleaseAs(state A) {
	t.release(func() A { return state })
}

// Close implements io.Closer.
func (t *Ticket[A]) Close() error {
	t.Release()
	return nil
}

func (t *Ticket[A]) release(state func() A) {
	if t == nil || t.guardian == nil {
		return
	}
	t.once.Do(func() {
		t.guardian.ReleaseAction(t.resourceID, state())
	})
}
