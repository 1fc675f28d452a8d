package store

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goliatone/go-jobguard"
)

const (
	lockPrefix = "jobs/"
	nodePrefix = "nodes/"
)

type LockOption[A jobguard.State[A]] func(*LockGuardian[A])

func WithLockNext[A jobguard.State[A]](next jobguard.Guardian[A]) LockOption[A] {
	return func(g *LockGuardian[A]) {
		g.next = next
	}
}

func WithLockLogger[A jobguard.State[A]](logger jobguard.Logger) LockOption[A] {
	return func(g *LockGuardian[A]) {
		g.logger = logger
	}
}

// LockGuardian records granted actions in a shared badger database so that
// several hosts sharing the database exclude each other. Each record holds
// "<host>-<ACTION>" under jobs/<id>/<type>.
//
// Once registered, records carry the registration TTL and are refreshed by
// every later Register call. A registered guardian ignores records whose host
// is no longer registered, so a crashed host cannot keep a job locked.
type LockGuardian[A jobguard.State[A]] struct {
	mu         sync.Mutex
	db         *badger.DB
	host       string
	parse      jobguard.ParseFunc[A]
	next       jobguard.Guardian[A]
	logger     jobguard.Logger
	lease      time.Duration
	registered atomic.Bool
}

func NewLockGuardian[A jobguard.State[A]](db *badger.DB, host string, parse jobguard.ParseFunc[A], opts ...LockOption[A]) *LockGuardian[A] {
	g := &LockGuardian[A]{db: db, host: host, parse: parse}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.logger = jobguard.NormalizeLogger(g.logger)
	return g
}

type lockRecord[A any] struct {
	host   string
	action A
	found  bool
}

func (g *LockGuardian[A]) key(id string) []byte {
	var zero A
	return []byte(lockPrefix + id + "/" + zero.TypeName())
}

func (g *LockGuardian[A]) read(txn *badger.Txn, id string) (lockRecord[A], error) {
	var rec lockRecord[A]
	item, err := txn.Get(g.key(id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return rec, err
	}

	value := string(raw)
	sep := strings.LastIndex(value, "-")
	if sep < 0 {
		return rec, fmt.Errorf("malformed lock record %q for %s", value, id)
	}
	action, err := g.parse(value[sep+1:])
	if err != nil {
		return rec, err
	}
	rec = lockRecord[A]{host: value[:sep], action: action, found: true}

	if rec.host == g.host || !g.registered.Load() {
		return rec, nil
	}
	alive, err := g.live(txn, rec.host)
	if err != nil || alive {
		return rec, err
	}
	g.logger.Warn("ignoring %s lock on job %s held by unregistered host %s", rec.action, id, rec.host)
	return lockRecord[A]{}, nil
}

func (g *LockGuardian[A]) live(txn *badger.Txn, host string) (bool, error) {
	_, err := txn.Get([]byte(nodePrefix + host))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (g *LockGuardian[A]) record(action A) []byte {
	return []byte(g.host + "-" + action.String())
}

// set must be called with mu held.
func (g *LockGuardian[A]) set(txn *badger.Txn, key, value []byte) error {
	entry := badger.NewEntry(key, value)
	if g.lease > 0 {
		entry = entry.WithTTL(g.lease)
	}
	return txn.SetEntry(entry)
}

type ownedRecord struct {
	key   []byte
	value []byte
}

// owned lists the records of this lock type held by this host.
func (g *LockGuardian[A]) owned(txn *badger.Txn) ([]ownedRecord, error) {
	var zero A
	suffix := "/" + zero.TypeName()
	owner := []byte(g.host + "-")

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(lockPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var records []ownedRecord
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if !strings.HasSuffix(string(item.Key()), suffix) {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(value, owner) || bytes.IndexByte(value[len(owner):], '-') >= 0 {
			continue
		}
		records = append(records, ownedRecord{key: item.KeyCopy(nil), value: value})
	}
	return records, nil
}

// CurrentAction returns the recorded action for id whichever host holds it.
func (g *LockGuardian[A]) CurrentAction(id string) A {
	var rec lockRecord[A]
	err := g.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = g.read(txn, id)
		return err
	})
	if err != nil {
		g.logger.Error("reading lock record for job %s: %v", id, err)
	}
	return rec.action
}

func (g *LockGuardian[A]) TryAcquire(ctx context.Context, id string, requested A) (*jobguard.Ticket[A], error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rec lockRecord[A]
	if err := g.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = g.read(txn, id)
		return err
	}); err != nil {
		return nil, jobguard.GuardUnavailableError(id, err)
	}

	if rec.found && rec.host != g.host {
		err := jobguard.NewBusyError(id, rec.action, requested, rec.host)
		g.logger.Warn(err.Error())
		return nil, err
	}
	current := rec.action
	if !current.IsValidTransition(requested) {
		err := jobguard.NewBusyError(id, current, requested, "")
		g.logger.Warn(err.Error())
		return nil, err
	}

	if g.next != nil {
		if _, err := g.next.TryAcquire(ctx, id, requested); err != nil {
			return nil, err
		}
	}

	err := g.db.Update(func(txn *badger.Txn) error {
		// another host may have written between our read and this commit
		latest, err := g.read(txn, id)
		if err != nil {
			return err
		}
		if latest.found && latest.host != g.host {
			return jobguard.NewBusyError(id, latest.action, requested, latest.host)
		}
		return g.set(txn, g.key(id), g.record(requested))
	})
	if err != nil {
		if g.next != nil {
			g.next.ReleaseAction(id, current)
		}
		if jobguard.IsBusy(err) || stderrors.Is(err, badger.ErrConflict) {
			if !jobguard.IsBusy(err) {
				err = jobguard.NewBusyError(id, current, requested, "")
			}
			g.logger.Warn(err.Error())
			return nil, err
		}
		return nil, jobguard.GuardUnavailableError(id, err)
	}

	return jobguard.NewTicket[A](g, id, current, requested.NextState(current)), nil
}

// ReleaseAction keeps the record when next holds the lock while idle and
// deletes it otherwise, handing the resource to other hosts.
func (g *LockGuardian[A]) ReleaseAction(id string, next A) {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.db.Update(func(txn *badger.Txn) error {
		if next.HoldsLockWhileIdle() {
			return g.set(txn, g.key(id), g.record(next))
		}
		return txn.Delete(g.key(id))
	})
	if err != nil {
		g.logger.Error("releasing lock for job %s into %s: %v", id, next, err)
	}

	if g.next != nil {
		g.next.ReleaseAction(id, next)
	}
}

// Register advertises the host as live for ttl. The first call drops
// records this host left behind before a restart; later calls act as a
// heartbeat and extend the TTL of the records it holds.
func (g *LockGuardian[A]) Register(_ context.Context, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lease = ttl
	first := !g.registered.Load()
	err := g.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(nodePrefix+g.host), []byte(time.Now().UTC().Format(time.RFC3339)))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}

		records, err := g.owned(txn)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if first {
				g.logger.Warn("dropping stale lock %s=%s left by a previous run", rec.key, rec.value)
				err = txn.Delete(rec.key)
			} else {
				err = g.set(txn, rec.key, rec.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.registered.Store(true)
	return nil
}

// Deregister removes the host from the registry together with every record
// of this lock type it still holds.
func (g *LockGuardian[A]) Deregister(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.db.Update(func(txn *badger.Txn) error {
		records, err := g.owned(txn)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := txn.Delete(rec.key); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(nodePrefix + g.host))
	})
	if err != nil {
		return err
	}
	g.registered.Store(false)
	return nil
}

// Hosts lists the registered hosts whose registration has not expired.
func (g *LockGuardian[A]) Hosts(_ context.Context) ([]string, error) {
	var hosts []string
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nodePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			hosts = append(hosts, strings.TrimPrefix(string(it.Item().Key()), nodePrefix))
		}
		return nil
	})
	sort.Strings(hosts)
	return hosts, err
}

func (g *LockGuardian[A]) Host() string {
	return g.host
}
