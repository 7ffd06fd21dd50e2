package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hoplink/hoplink/click"
	"github.com/hoplink/hoplink/telemetry"
)

type (
	// Publisher writes accepted click events to the clicks stream. Publish
	// failures are returned to the caller (the redirect dispatcher), which
	// logs and swallows them; the response has long been sent by then.
	Publisher struct {
		stream  Stream
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		// Client is the Pulse client. Required.
		Client Client
		// Logger for publish diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics for publish counters. Defaults to no-op.
		Metrics telemetry.Metrics
	}
)

// NewPublisher creates a publisher bound to the clicks stream.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	stream, err := opts.Client.Stream(StreamName)
	if err != nil {
		return nil, fmt.Errorf("open clicks stream: %w", err)
	}
	p := &Publisher{
		stream:  stream,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	return p, nil
}

// Publish enqueues one click event.
func (p *Publisher) Publish(ctx context.Context, evt click.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal click event %q: %w", evt.ClickID, err)
	}
	if _, err := p.stream.Add(ctx, EventName, payload); err != nil {
		p.metrics.IncCounter("queue.publish.failed", 1)
		return fmt.Errorf("publish click event %q: %w", evt.ClickID, err)
	}
	p.metrics.IncCounter("queue.published", 1)
	return nil
}
