package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/config"
	"github.com/goliatone/go-jobguard/cron"
	"github.com/goliatone/go-jobguard/process"
	"github.com/goliatone/go-jobguard/scheduler"
	"github.com/goliatone/go-jobguard/store"
)

const metricsNamespace = "jobguard"

// app holds the services shared by every command.
type app struct {
	cfg      config.Config
	logger   jobguard.Logger
	db       *badger.DB
	jobs     *store.BadgerJobStore
	lock     *store.LockGuardian[jobguard.Action]
	runLock  *store.LockGuardian[jobguard.ScheduledAction]
	cron     *cron.Scheduler
	registry *prometheus.Registry
	metrics  *jobguard.Metrics
	manager  *process.Manager
}

func newLogger(cfg config.LogConfig, out io.Writer) jobguard.Logger {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if cfg.Format == "json" {
		return jobguard.NewGlogLogger(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON()))
	}
	return jobguard.NewGlogLogger(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level)))
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := newLogger(cfg.Log, os.Stderr)

	db, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		jobs:     store.NewBadgerJobStore(db),
		registry: prometheus.NewRegistry(),
		cron:     cron.NewScheduler(cron.WithLogger(logger)),
	}
	a.metrics = jobguard.NewMetrics(a.registry, metricsNamespace)

	for _, job := range cfg.Jobs {
		if _, err := a.jobs.Job(ctx, job.ID); err == nil {
			continue
		}
		if err := a.jobs.Put(ctx, job); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed job %s: %w", job.ID, err)
		}
	}

	guardianOpts := []jobguard.GuardianOption[jobguard.Action]{
		jobguard.WithShards[jobguard.Action](cfg.Guardian.Shards),
		jobguard.WithGuardianLogger[jobguard.Action](logger),
		jobguard.WithGuardianMetrics[jobguard.Action](a.metrics),
	}
	if cfg.Guardian.SharedLock {
		a.lock = store.NewLockGuardian[jobguard.Action](db, cfg.Host, jobguard.ParseAction,
			store.WithLockLogger[jobguard.Action](logger))
		a.runLock = store.NewLockGuardian[jobguard.ScheduledAction](db, cfg.Host, jobguard.ParseScheduledAction,
			store.WithLockLogger[jobguard.ScheduledAction](logger))
		if err := a.heartbeat(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("register host %s: %w", cfg.Host, err)
		}
		guardianOpts = append(guardianOpts, jobguard.WithNext[jobguard.Action](a.lock))

		if ttl := cfg.Guardian.LockTTL; ttl > 0 {
			if _, err := a.cron.ScheduleEvery(max(ttl/3, time.Second), 0, jobguard.HandlerConfig{Timeout: ttl / 3}, a.heartbeat); err != nil {
				db.Close()
				return nil, err
			}
			if err := a.cron.Start(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
	}

	a.manager = process.New(a.jobs, newLineWorkerFactory(logger),
		process.WithGuardian(jobguard.NewGuardian[jobguard.Action](guardianOpts...)),
		process.WithIdleTimeout(cfg.Process.IdleTimeout),
		process.WithCloseRetryDelay(cfg.Process.CloseRetryDelay),
		process.WithLogger(logger),
		process.WithMetrics(a.metrics),
		process.WithScheduler(a.cron),
	)
	return a, nil
}

// heartbeat keeps the host registration and the locks it holds alive.
func (a *app) heartbeat(ctx context.Context) error {
	ttl := a.cfg.Guardian.LockTTL
	if err := a.lock.Register(ctx, ttl); err != nil {
		return err
	}
	return a.runLock.Register(ctx, ttl)
}

// coordinator builds a scheduler coordinator feeding the process manager.
func (a *app) coordinator(extractors scheduler.ExtractorFactory) *scheduler.Coordinator {
	opts := []jobguard.GuardianOption[jobguard.ScheduledAction]{
		jobguard.WithGuardianLogger[jobguard.ScheduledAction](a.logger),
		jobguard.WithGuardianMetrics[jobguard.ScheduledAction](a.metrics),
	}
	if a.runLock != nil {
		opts = append(opts, jobguard.WithNext[jobguard.ScheduledAction](a.runLock))
	}

	return scheduler.NewCoordinator(a.jobs, extractors, a.manager,
		scheduler.WithGuardian(jobguard.NewGuardian[jobguard.ScheduledAction](opts...)),
		scheduler.WithLogger(a.logger),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithHandlerConfig(a.cfg.Scheduler.Handler),
		scheduler.WithQueryDelay(a.cfg.Scheduler.QueryDelay),
	)
}

// ensureJob returns the stored job, creating it when bucketSpan is set.
func (a *app) ensureJob(ctx context.Context, id string, bucketSpan, frequency time.Duration) (jobguard.Job, error) {
	job, err := a.jobs.Job(ctx, id)
	if err == nil || !jobguard.IsUnknownResource(err) || bucketSpan <= 0 {
		return job, err
	}
	job = jobguard.Job{ID: id, BucketSpan: bucketSpan, Frequency: frequency, Status: jobguard.JobStatusClosed}
	if err := a.jobs.Put(ctx, job); err != nil {
		return job, err
	}
	a.logger.Info("created job %s with bucket span %s", id, job.BucketSpan)
	return job, nil
}

func (a *app) close(ctx context.Context) error {
	err := a.manager.CloseAll(ctx)
	if serr := a.cron.Stop(ctx); serr != nil {
		a.logger.Warn("stopping timers: %v", serr)
	}
	if a.lock != nil {
		if derr := a.lock.Deregister(ctx); derr != nil {
			a.logger.Warn("deregistering host %s: %v", a.lock.Host(), derr)
		}
		if derr := a.runLock.Deregister(ctx); derr != nil {
			a.logger.Warn("deregistering scheduler locks of host %s: %v", a.runLock.Host(), derr)
		}
	}
	if cerr := a.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// printMetrics writes the counters and gauges collected so far.
func (a *app) printMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", pair.GetName(), pair.GetValue()))
			}
			sort.Strings(labels)

			value := metric.GetGauge().GetValue()
			if counter := metric.GetCounter(); counter != nil {
				value = counter.GetValue()
			}
			fmt.Fprintf(w, "%s{%s} %g\n", family.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}
