package jobguard

// State is the contract every guarded action type implements.
//
// The zero value of a State type is its ground state: the state of a resource
// that was never touched, or whose last action released it completely.
type State[A any] interface {
	comparable

	// IsValidTransition reports whether next may start while the receiver is
	// the resource's current state.
	IsValidTransition(next A) bool
	// NextState is the state to store once the receiver completes. previous
	// is the state the resource was in when the receiver was acquired.
	NextState(previous A) A
	// HoldsLockWhileIdle reports whether a shared lock must be kept when a
	// resource is released into this state.
	HoldsLockWhileIdle() bool
	// BusyMessage renders the conflict reported when the receiver is refused
	// because inUse is running on resourceID. host may be empty.
	BusyMessage(resourceID string, inUse A, host string) string
	// ErrorCode is the text code attached to a refusal of the receiver.
	ErrorCode() string

	Verb() string
	Gerund() string
	TypeName() string
	String() string
}

// ParseFunc decodes a State from its String form.
type ParseFunc[A any] func(string) (A, error)
