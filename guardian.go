package jobguard

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 16

// Guardian grants exclusive actions against named resources.
type Guardian[A State[A]] interface {
	// CurrentAction returns the stored state of id, or the ground state.
	CurrentAction(id string) A
	// TryAcquire records requested as the state of id when the transition
	// from the current state is valid and every chained guardian grants it.
	TryAcquire(ctx context.Context, id string, requested A) (*Ticket[A], error)
	// ReleaseAction stores next as the state of id. It never fails.
	ReleaseAction(id string, next A)
}

type GuardianOption[A State[A]] func(*LocalGuardian[A])

// WithShards sets the number of lock shards. One shard means a single lock
// for every resource.
func WithShards[A State[A]](n int) GuardianOption[A] {
	return func(g *LocalGuardian[A]) {
		if n > 0 {
			g.shards = make([]guardianShard[A], n)
		}
	}
}

// WithNext chains next behind the guardian. Acquisitions must be granted by
// next before they are recorded locally.
func WithNext[A State[A]](next Guardian[A]) GuardianOption[A] {
	return func(g *LocalGuardian[A]) {
		g.next = next
	}
}

func WithGuardianLogger[A State[A]](logger Logger) GuardianOption[A] {
	return func(g *LocalGuardian[A]) {
		g.logger = logger
	}
}

func WithGuardianMetrics[A State[A]](m *Metrics) GuardianOption[A] {
	return func(g *LocalGuardian[A]) {
		g.metrics = m
	}
}

type guardianShard[A State[A]] struct {
	mu      sync.Mutex
	actions map[string]A
}

// LocalGuardian keeps the state of every resource it has seen in memory.
type LocalGuardian[A State[A]] struct {
	shards  []guardianShard[A]
	next    Guardian[A]
	logger  Logger
	metrics *Metrics
}

// NewGuardian builds a LocalGuardian. Chains are built bottom-up: construct the
// shared guardian first and pass it with WithNext.
func NewGuardian[A State[A]](opts ...GuardianOption[A]) *LocalGuardian[A] {
	g := &LocalGuardian[A]{}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if len(g.shards) == 0 {
		g.shards = make([]guardianShard[A], defaultShards)
	}
	for i := range g.shards {
		g.shards[i].actions = make(map[string]A)
	}
	g.logger = NormalizeLogger(g.logger)
	return g
}

func (g *LocalGuardian[A]) shard(id string) *guardianShard[A] {
	if len(g.shards) == 1 {
		return &g.shards[0]
	}
	return &g.shards[xxhash.Sum64String(id)%uint64(len(g.shards))]
}

func (g *LocalGuardian[A]) CurrentAction(id string) A {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[id]
}

func (g *LocalGuardian[A]) TryAcquire(ctx context.Context, id string, requested A) (*Ticket[A], error) {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.actions[id]
	if !current.IsValidTransition(requested) {
		err := NewBusyError(id, current, requested, "")
		g.logger.Warn(err.Error())
		g.metrics.observeAcquire(requested, outcomeBusy)
		return nil, err
	}

	if g.next != nil {
		// the chained ticket is owned by ours: release goes through ReleaseAction
		if _, err := g.next.TryAcquire(ctx, id, requested); err != nil {
			g.metrics.observeAcquire(requested, outcomeChainRejected)
			return nil, err
		}
	}

	s.actions[id] = requested
	g.metrics.observeAcquire(requested, outcomeGranted)
	return NewTicket[A](g, id, current, requested.NextState(current)), nil
}

func (g *LocalGuardian[A]) ReleaseAction(id string, next A) {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions[id] = next
	g.metrics.observeRelease(next)
	if g.next != nil {
		g.next.ReleaseAction(id, next)
	}
}
