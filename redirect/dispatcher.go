package redirect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/click"
	"github.com/hoplink/hoplink/counter"
	"github.com/hoplink/hoplink/telemetry"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 1024
	defaultTaskDeadline = 5 * time.Second
)

type (
	// Task is the request snapshot handed from the handler to the worker
	// pool. It carries raw header values; all derivation (click ID, device
	// class, IP hash) happens on the worker so the response path stays free
	// of hashing work.
	Task struct {
		Resolution catalog.Resolution
		Time       time.Time
		RequestID  string
		UserAgent  string
		Referrer   string
		ClientIP   string
		Country    string
		Region     string
		City       string
	}

	// PlanReader reads workspace records. *catalog.PlanCache implements it.
	PlanReader interface {
		Workspace(ctx context.Context, id string) (*catalog.Workspace, error)
	}

	// UsageCounter is the slice of the workspace counter the dispatcher
	// drives. *counter.Counter implements it.
	UsageCounter interface {
		IncrementFreeIfUnderCap(ctx context.Context, workspaceID string, cap int64) (bool, counter.State, error)
		IncrementPro(ctx context.Context, workspaceID string) (counter.State, error)
	}

	// Publisher enqueues accepted click events. *queue.Publisher implements it.
	Publisher interface {
		Publish(ctx context.Context, evt click.Event) error
	}

	// Dispatcher owns the bounded task channel and the workers draining it.
	// Nothing a worker does can reach the HTTP response: every failure is
	// logged and dropped.
	Dispatcher struct {
		plans     PlanReader
		counter   UsageCounter
		publisher Publisher
		freeCap   int64
		deadline  time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		tasks chan Task
		wg    sync.WaitGroup

		mu      sync.Mutex
		stopped bool
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		// Plans resolves workspace plans, normally through the catalog plan
		// cache. Required.
		Plans PlanReader
		// Counter is the workspace usage counter. Required.
		Counter UsageCounter
		// Publisher enqueues click events for the log writer. Required.
		Publisher Publisher
		// FreeMonthlyCap is the tracked-click cap for free workspaces.
		// Required (positive).
		FreeMonthlyCap int64
		// Workers is the pool size. Defaults to 4.
		Workers int
		// QueueSize bounds the task channel. Defaults to 1024.
		QueueSize int
		// TaskDeadline bounds each detached task. Defaults to 5s.
		TaskDeadline time.Duration
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
	}
)

// NewDispatcher creates the worker pool and starts its workers.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Plans == nil {
		return nil, fmt.Errorf("plan reader is required")
	}
	if opts.Counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.FreeMonthlyCap <= 0 {
		return nil, fmt.Errorf("free monthly cap must be positive")
	}
	d := &Dispatcher{
		plans:     opts.Plans,
		counter:   opts.Counter,
		publisher: opts.Publisher,
		freeCap:   opts.FreeMonthlyCap,
		deadline:  opts.TaskDeadline,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if d.deadline <= 0 {
		d.deadline = defaultTaskDeadline
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.metrics == nil {
		d.metrics = telemetry.NewNoopMetrics()
	}
	d.tasks = make(chan Task, queueSize)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d, nil
}

// Dispatch hands a task to the pool without blocking. When the channel is
// full the task is dropped and counted; the redirect response is never gated
// on pool capacity.
func (d *Dispatcher) Dispatch(task Task) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	select {
	case d.tasks <- task:
		d.mu.Unlock()
		return true
	default:
		d.mu.Unlock()
		d.metrics.IncCounter("redirect.tasks.dropped", 1)
		d.logger.Warn(context.Background(), "click task dropped, queue full",
			"workspace_id", task.Resolution.WorkspaceID,
			"link_id", task.Resolution.LinkID,
		)
		return false
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.tasks)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.tasks {
		d.process(task)
	}
}

// process runs the post-response sequence for one click: enrich, check the
// plan, count, enqueue. The response has already been sent, so errors and
// panics are logged and swallowed.
func (d *Dispatcher) process(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deadline)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncCounter("redirect.tasks.panic", 1)
			d.logger.Error(ctx, "click task panic",
				"panic", fmt.Sprint(r),
				"workspace_id", task.Resolution.WorkspaceID,
				"link_id", task.Resolution.LinkID,
			)
		}
	}()

	if click.IsBot(task.UserAgent) {
		d.metrics.IncCounter("redirect.bots", 1)
		return
	}
	evt := enrich(task)

	ws, err := d.plans.Workspace(ctx, task.Resolution.WorkspaceID)
	if err != nil {
		d.metrics.IncCounter("redirect.tasks.failed", 1)
		d.logger.Error(ctx, "plan lookup failed",
			"err", err, "workspace_id", task.Resolution.WorkspaceID)
		return
	}

	switch ws.Plan {
	case catalog.PlanPro:
		if _, err := d.counter.IncrementPro(ctx, ws.ID); err != nil {
			d.metrics.IncCounter("redirect.tasks.failed", 1)
			d.logger.Error(ctx, "pro counter increment failed",
				"err", err, "workspace_id", ws.ID)
			return
		}
	default:
		incremented, _, err := d.counter.IncrementFreeIfUnderCap(ctx, ws.ID, d.freeCap)
		if err != nil {
			d.metrics.IncCounter("redirect.tasks.failed", 1)
			d.logger.Error(ctx, "free counter increment failed",
				"err", err, "workspace_id", ws.ID)
			return
		}
		if !incremented {
			// Cap reached: the redirect succeeded but the click is not
			// tracked, so it must not reach the log either.
			d.metrics.IncCounter("redirect.cap_reached", 1)
			return
		}
	}

	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.metrics.IncCounter("redirect.tasks.failed", 1)
		d.logger.Error(ctx, "click enqueue failed",
			"err", err, "workspace_id", ws.ID, "click_id", evt.ClickID)
		return
	}
	d.metrics.IncCounter("redirect.clicks.tracked", 1)
}

// enrich derives the queue event from the request snapshot. The raw client IP
// stays inside this function.
func enrich(task Task) click.Event {
	unique := click.UniquePart(task.RequestID, task.UserAgent)
	return click.Event{
		ClickID:        click.ClickID(task.Resolution.LinkID, task.Time.UnixMilli(), unique),
		Timestamp:      task.Time.UTC(),
		WorkspaceID:    task.Resolution.WorkspaceID,
		LinkID:         task.Resolution.LinkID,
		Domain:         task.Resolution.Domain,
		Slug:           task.Resolution.Slug,
		DestinationURL: task.Resolution.DestinationURL,
		Referrer:       task.Referrer,
		UserAgent:      task.UserAgent,
		IPHash:         click.HashIP(task.ClientIP),
		Country:        task.Country,
		Region:         task.Region,
		City:           task.City,
		DeviceClass:    string(click.DeviceClassOf(task.UserAgent)),
	}
}
