// Package jobs runs the scheduled maintenance slots: aggregation every few
// minutes plus the daily retention, billing report and reconciliation runs.
// Tickers are distributed through a Pulse worker pool, so in a cluster each
// tick fires on exactly one node. Daily slots are approximated with an hourly
// ticker and an in-tick gate on the UTC hour.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"github.com/hoplink/hoplink/telemetry"
)

type (
	// Job is a named unit of scheduled work. Run must tolerate being invoked
	// again on a later tick; jobs persist their own progress.
	Job struct {
		Name string
		Run  func(ctx context.Context) error
	}

	// PeriodicJob runs on every tick of an interval ticker.
	PeriodicJob struct {
		Job   Job
		Every time.Duration
	}

	// DailyJob runs once a day, on the hourly tick that lands in Hour (UTC).
	DailyJob struct {
		Job  Job
		Hour int
	}

	// Ticker mirrors the subset of Pulse pool tickers the scheduler needs.
	Ticker interface {
		C() <-chan time.Time
		Stop()
	}

	// TickerFactory creates named distributed tickers. NodeTickers adapts a
	// Pulse pool node; tests substitute local channels.
	TickerFactory interface {
		NewTicker(ctx context.Context, name string, d time.Duration) (Ticker, error)
	}

	// Scheduler owns the ticker loops for a fixed set of jobs.
	Scheduler struct {
		tickers  TickerFactory
		periodic []PeriodicJob
		daily    []DailyJob
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu      sync.Mutex
		started bool
		stopped bool
		cancel  context.CancelFunc
		active  []Ticker
		wg      sync.WaitGroup
	}

	// SchedulerOptions configures a Scheduler.
	SchedulerOptions struct {
		// Tickers creates the distributed tickers. Required.
		Tickers TickerFactory
		// Periodic jobs run on every tick of their interval.
		Periodic []PeriodicJob
		// Daily jobs run once a day at their UTC hour.
		Daily []DailyJob
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// NewScheduler validates the job table and creates a stopped scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Tickers == nil {
		return nil, fmt.Errorf("ticker factory is required")
	}
	for _, p := range opts.Periodic {
		if p.Job.Name == "" || p.Job.Run == nil {
			return nil, fmt.Errorf("periodic job needs a name and a run function")
		}
		if p.Every <= 0 {
			return nil, fmt.Errorf("periodic job %s needs a positive interval", p.Job.Name)
		}
	}
	for _, d := range opts.Daily {
		if d.Job.Name == "" || d.Job.Run == nil {
			return nil, fmt.Errorf("daily job needs a name and a run function")
		}
		if d.Hour < 0 || d.Hour > 23 {
			return nil, fmt.Errorf("daily job %s hour %d is out of range", d.Job.Name, d.Hour)
		}
	}
	s := &Scheduler{
		tickers:  opts.Tickers,
		periodic: opts.Periodic,
		daily:    opts.Daily,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start creates the tickers and spawns one loop per job. The loops run on a
// context detached from ctx so they survive until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	fail := func(err error) error {
		cancel()
		for _, t := range s.active {
			t.Stop()
		}
		s.active = nil
		return err
	}

	for _, p := range s.periodic {
		ticker, err := s.tickers.NewTicker(ctx, "jobs:"+p.Job.Name, p.Every)
		if err != nil {
			return fail(fmt.Errorf("create ticker for %s: %w", p.Job.Name, err))
		}
		s.active = append(s.active, ticker)
		s.wg.Add(1)
		go s.periodicLoop(loopCtx, ticker, p.Job)
	}
	for _, d := range s.daily {
		ticker, err := s.tickers.NewTicker(ctx, "jobs:"+d.Job.Name, time.Hour)
		if err != nil {
			return fail(fmt.Errorf("create ticker for %s: %w", d.Job.Name, err))
		}
		s.active = append(s.active, ticker)
		s.wg.Add(1)
		go s.dailyLoop(loopCtx, ticker, d)
	}

	s.cancel = cancel
	s.started = true
	return nil
}

// Stop halts the tickers, cancels running jobs and waits for the loops to
// drain. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	active := s.active
	s.mu.Unlock()

	cancel()
	for _, t := range active {
		t.Stop()
	}
	s.wg.Wait()
}

// RunNow executes the named job once on the caller's context, outside its
// schedule. Used by ops endpoints and tests.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, p := range s.periodic {
		if p.Job.Name == name {
			return s.run(ctx, p.Job)
		}
	}
	for _, d := range s.daily {
		if d.Job.Name == name {
			return s.run(ctx, d.Job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) periodicLoop(ctx context.Context, ticker Ticker, job Job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_ = s.run(ctx, job)
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context, ticker Ticker, slot DailyJob) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if s.now().UTC().Hour() != slot.Hour {
				continue
			}
			_ = s.run(ctx, slot.Job)
		}
	}
}

// run executes one job invocation, converting panics into errors so a broken
// job cannot take its loop down.
func (s *Scheduler) run(ctx context.Context, job Job) (err error) {
	started := s.now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
			s.metrics.IncCounter("jobs.panics", 1)
			s.logger.Error(ctx, "job panicked", "job", job.Name, "panic", fmt.Sprint(rec))
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.metrics.IncCounter("jobs.failed", 1)
		s.logger.Error(ctx, "job failed", "job", job.Name, "err", err)
		return err
	}
	s.metrics.IncCounter("jobs.completed", 1)
	s.metrics.RecordTimer("jobs.duration", s.now().Sub(started))
	s.logger.Info(ctx, "job completed", "job", job.Name, "duration", s.now().Sub(started).String())
	return nil
}

// NodeTickers adapts a Pulse pool node to TickerFactory.
func NodeTickers(node *pool.Node) TickerFactory {
	return nodeTickers{node: node}
}

type nodeTickers struct {
	node *pool.Node
}

func (n nodeTickers) NewTicker(ctx context.Context, name string, d time.Duration) (Ticker, error) {
	ticker, err := n.node.NewTicker(ctx, name, d)
	if err != nil {
		return nil, fmt.Errorf("create distributed ticker %q: %w", name, err)
	}
	return poolTicker{ticker: ticker}, nil
}

type poolTicker struct {
	ticker *pool.Ticker
}

func (t poolTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t poolTicker) Stop() {
	t.ticker.Stop()
}
