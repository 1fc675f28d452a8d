package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/config"
	"github.com/goliatone/go-jobguard/process"
	"github.com/goliatone/go-jobguard/scheduler"
)

const pollInterval = 100 * time.Millisecond

type Globals struct {
	Config   string `help:"Path to a YAML configuration file." type:"path"`
	Host     string `help:"Override the host name recorded in shared locks."`
	LogLevel string `help:"Override the log level (trace, debug, info, warn, error)."`
	Metrics  bool   `help:"Print collected metrics before exiting."`
}

func (g *Globals) load() (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return cfg, err
		}
	}
	if g.Host != "" {
		cfg.Host = g.Host
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return cfg, cfg.Validate()
}

// run opens the app, calls fn and closes the app again.
func (g *Globals) run(fn func(ctx context.Context, a *app) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	if g.Metrics {
		if err := a.printMetrics(os.Stdout); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

type IngestCmd struct {
	Job          string        `arg:"" help:"Job to send data to."`
	Files        []string      `arg:"" help:"Files to stream, one record per line."`
	Flush        bool          `help:"Flush the job after the last file."`
	ResetBuckets bool          `help:"Reset buckets covering the data before writing."`
	BucketSpan   time.Duration `help:"Create the job with this bucket span when it does not exist."`
}

func (c *IngestCmd) Run(g *Globals) error {
	return g.run(func(ctx context.Context, a *app) error {
		job, err := a.ensureJob(ctx, c.Job, c.BucketSpan, 0)
		if err != nil {
			return err
		}

		var total jobguard.DataCounts
		for _, path := range c.Files {
			counts, err := ingestFile(ctx, a.manager, c.Job, path, c.ResetBuckets)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d records, %d bytes\n", path, counts.ProcessedRecords, counts.InputBytes)
			total.Add(counts)
		}

		if c.Flush {
			id, err := a.manager.Flush(ctx, c.Job, process.FlushParams{CalcInterim: true})
			if err != nil {
				return err
			}
			fmt.Printf("flushed %s\n", id)
		}
		if !total.LatestRecordTime.After(job.LatestRecordTime) {
			return nil
		}
		fmt.Printf("latest record %s\n", total.LatestRecordTime.Format(time.RFC3339Nano))

		// later lookbacks resume after the ingested data
		if job, err = a.jobs.Job(ctx, c.Job); err != nil {
			return err
		}
		job.LatestRecordTime = total.LatestRecordTime
		return a.jobs.Put(ctx, job)
	})
}

func ingestFile(ctx context.Context, m *process.Manager, jobID, path string, reset bool) (jobguard.DataCounts, error) {
	f, err := os.Open(path)
	if err != nil {
		return jobguard.DataCounts{}, err
	}
	defer f.Close()
	return m.ProcessData(ctx, jobID, f, process.DataLoadParams{ResetBuckets: reset})
}

type LookbackCmd struct {
	Job        string        `arg:"" help:"Job to schedule."`
	File       string        `arg:"" help:"File the extractor searches." type:"existingfile"`
	From       time.Time     `help:"Start of the search (RFC3339)."`
	To         time.Time     `help:"End of the search (RFC3339). Runs in real time when unset."`
	PageSize   int           `help:"Lines per extracted page." default:"500"`
	BucketSpan time.Duration `help:"Create the job with this bucket span when it does not exist."`
	Frequency  time.Duration `help:"Search frequency for a created job."`
}

func (c *LookbackCmd) Run(g *Globals) error {
	return g.run(func(ctx context.Context, a *app) error {
		if _, err := a.ensureJob(ctx, c.Job, c.BucketSpan, c.Frequency); err != nil {
			return err
		}
		if err := a.jobs.UpdateSchedulerStatus(ctx, c.Job, jobguard.SchedulerStarted); err != nil {
			return err
		}
		job, err := a.jobs.Job(ctx, c.Job)
		if err != nil {
			return err
		}

		coordinator := a.coordinator(scheduler.ExtractorFactoryFunc(
			func(context.Context, jobguard.Job) (scheduler.DataExtractor, error) {
				return newFileExtractor(c.File, c.PageSize), nil
			},
		))

		opts := []scheduler.StartOption{scheduler.StartFrom(c.From)}
		if !c.To.IsZero() {
			opts = append(opts, scheduler.StartUntil(c.To))
		}
		if err := coordinator.Start(ctx, job, opts...); err != nil {
			return err
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
	wait:
		for coordinator.Len() > 0 {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
			}
		}

		return coordinator.Shutdown(context.WithoutCancel(ctx))
	})
}

type JobsCmd struct {
	Hosts bool `help:"Also list hosts registered on the shared lock."`
}

func (c *JobsCmd) Run(g *Globals) error {
	return g.run(func(ctx context.Context, a *app) error {
		jobs, err := a.jobs.List(ctx)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Printf("%s\tstatus=%s\tscheduler=%s\tbucket_span=%s\tlatest=%s\n",
				job.ID, job.Status, job.SchedulerStatus, job.BucketSpan, job.LatestRecordTime.Format(time.RFC3339))
		}

		if !c.Hosts {
			return nil
		}
		if a.lock == nil {
			return fmt.Errorf("hosts are only tracked when guardian.shared_lock is set")
		}
		hosts, err := a.lock.Hosts(ctx)
		if err != nil {
			return err
		}
		for _, host := range hosts {
			fmt.Printf("host\t%s\n", host)
		}
		return nil
	})
}

type CLI struct {
	Globals

	Ingest   IngestCmd   `cmd:"" help:"Stream files into a job's worker."`
	Lookback LookbackCmd `cmd:"" help:"Run the scheduler for a job over a file."`
	Jobs     JobsCmd     `cmd:"" help:"List stored jobs."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("jobguard"),
		kong.Description("Guarded job workers and schedulers."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
