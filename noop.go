package jobguard

import "context"

// NoopGuardian grants everything and remembers nothing.
type NoopGuardian[A State[A]] struct{}

func NewNoopGuardian[A State[A]]() NoopGuardian[A] {
	return NoopGuardian[A]{}
}

func (NoopGuardian[A]) CurrentAction(string) A {
	var ground A
	return ground
}

func (g NoopGuardian[A]) TryAcquire(_ context.Context, id string, requested A) (*Ticket[A], error) {
	var ground A
	return NewTicket[A](g, id, ground, requested.NextState(ground)), nil
}

func (NoopGuardian[A]) ReleaseAction(string, A) {}
