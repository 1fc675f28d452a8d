package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/goliatone/go-jobguard"
)

// MemoryJobStore is a thread-safe in-memory JobProvider.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]jobguard.Job
}

func NewMemoryJobStore(jobs ...jobguard.Job) *MemoryJobStore {
	s := &MemoryJobStore{jobs: make(map[string]jobguard.Job, len(jobs))}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s
}

func (s *MemoryJobStore) Job(_ context.Context, id string) (jobguard.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobguard.Job{}, jobguard.NewUnknownResourceError(id)
	}
	return job, nil
}

func (s *MemoryJobStore) Put(_ context.Context, job jobguard.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id string, status jobguard.JobStatus) error {
	return s.update(id, func(job *jobguard.Job) { job.Status = status })
}

func (s *MemoryJobStore) UpdateSchedulerStatus(_ context.Context, id string, status jobguard.SchedulerStatus) error {
	return s.update(id, func(job *jobguard.Job) { job.SchedulerStatus = status })
}

func (s *MemoryJobStore) update(id string, fn func(*jobguard.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobguard.NewUnknownResourceError(id)
	}
	fn(&job)
	s.jobs[id] = job
	return nil
}

const jobPrefix = "job/"

// BadgerJobStore persists jobs as JSON documents under job/<id>.
type BadgerJobStore struct {
	db *badger.DB
}

func NewBadgerJobStore(db *badger.DB) *BadgerJobStore {
	return &BadgerJobStore{db: db}
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func (s *BadgerJobStore) Job(_ context.Context, id string) (jobguard.Job, error) {
	var job jobguard.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = readJob(txn, id)
		return err
	})
	return job, err
}

func (s *BadgerJobStore) Put(_ context.Context, job jobguard.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return writeJob(txn, job)
	})
}

// List returns every stored job ordered by id.
func (s *BadgerJobStore) List(_ context.Context) ([]jobguard.Job, error) {
	var jobs []jobguard.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job jobguard.Job
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, err
}

func (s *BadgerJobStore) UpdateStatus(_ context.Context, id string, status jobguard.JobStatus) error {
	return s.update(id, func(job *jobguard.Job) { job.Status = status })
}

func (s *BadgerJobStore) UpdateSchedulerStatus(_ context.Context, id string, status jobguard.SchedulerStatus) error {
	return s.update(id, func(job *jobguard.Job) { job.SchedulerStatus = status })
}

func (s *BadgerJobStore) update(id string, fn func(*jobguard.Job)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := readJob(txn, id)
		if err != nil {
			return err
		}
		fn(&job)
		return writeJob(txn, job)
	})
}

func readJob(txn *badger.Txn, id string) (jobguard.Job, error) {
	var job jobguard.Job
	item, err := txn.Get(jobKey(id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return job, jobguard.NewUnknownResourceError(id)
	}
	if err != nil {
		return job, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	return job, err
}

func writeJob(txn *badger.Txn, job jobguard.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return txn.Set(jobKey(job.ID), raw)
}
