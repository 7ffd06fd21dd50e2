package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/pulse/streaming"

	"github.com/hoplink/hoplink/click"
	"github.com/hoplink/hoplink/clicklog"
	"github.com/hoplink/hoplink/telemetry"
)

//go:embed click_event.json
var eventSchema []byte

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

type (
	// Consumer is the click log writer: it reads click events through the
	// clicklog-writer consumer group, batches them and bulk-inserts them into
	// the raw click log. Delivery is at-least-once; the deterministic click
	// ID collapses redeliveries on insert. Events that fail schema validation
	// are poison: they are acked and logged so they cannot wedge the group.
	Consumer struct {
		client        Client
		clicks        clicklog.Store
		batchSize     int
		flushInterval time.Duration
		schema        *jsonschema.Schema
		logger        telemetry.Logger
		metrics       telemetry.Metrics
	}

	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Client is the Pulse client. Required.
		Client Client
		// Clicks is the raw click log to write. Required.
		Clicks clicklog.Store
		// BatchSize bounds events per insert. Defaults to 100.
		BatchSize int
		// FlushInterval bounds how long a partial batch waits. Defaults to
		// one second.
		FlushInterval time.Duration
		// Logger for consumer diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics for consumer counters. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// pendingEvent pairs a decoded row with the stream event to ack once the
	// row is durably inserted.
	pendingEvent struct {
		evt *streaming.Event
		row clicklog.RawClick
	}
)

// NewConsumer creates a click log writer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	if opts.Clicks == nil {
		return nil, fmt.Errorf("click store is required")
	}
	var schemaDoc any
	if err := json.Unmarshal(eventSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal click event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("click_event.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add click event schema: %w", err)
	}
	schema, err := compiler.Compile("click_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile click event schema: %w", err)
	}
	c := &Consumer{
		client:        opts.Client,
		clicks:        opts.Clicks,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		schema:        schema,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.flushInterval <= 0 {
		c.flushInterval = defaultFlushInterval
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	return c, nil
}

// Run consumes click events until the context is canceled or the subscription
// closes. Unacked events, including any partial batch held at shutdown, are
// redelivered by Pulse and deduplicated on insert.
func (c *Consumer) Run(ctx context.Context) error {
	stream, err := c.client.Stream(StreamName)
	if err != nil {
		return fmt.Errorf("open clicks stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, SinkName)
	if err != nil {
		return fmt.Errorf("create sink %q: %w", SinkName, err)
	}
	defer sink.Close(ctx)

	events := sink.Subscribe()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	var batch []pendingEvent
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			batch = c.flush(ctx, sink, batch)
		case ev, ok := <-events:
			if !ok {
				c.flush(ctx, sink, batch)
				return fmt.Errorf("clicks stream subscription closed")
			}
			row, ok := c.decode(ctx, sink, ev)
			if !ok {
				continue
			}
			batch = append(batch, pendingEvent{evt: ev, row: row})
			if len(batch) >= c.batchSize {
				batch = c.flush(ctx, sink, batch)
			}
		}
	}
}

// decode validates and converts one stream event. Events that cannot ever
// succeed (wrong name, invalid JSON, schema violation, bad timestamp) are
// acked and dropped so they do not block the batch.
func (c *Consumer) decode(ctx context.Context, sink Sink, ev *streaming.Event) (clicklog.RawClick, bool) {
	if ev.EventName != EventName {
		c.ackPoison(ctx, sink, ev, fmt.Sprintf("unexpected event name %q", ev.EventName))
		return clicklog.RawClick{}, false
	}
	var payload any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		c.ackPoison(ctx, sink, ev, "invalid JSON: "+err.Error())
		return clicklog.RawClick{}, false
	}
	if err := c.schema.Validate(payload); err != nil {
		c.ackPoison(ctx, sink, ev, "schema violation: "+err.Error())
		return clicklog.RawClick{}, false
	}
	var evt click.Event
	if err := json.Unmarshal(ev.Payload, &evt); err != nil {
		c.ackPoison(ctx, sink, ev, "decode click event: "+err.Error())
		return clicklog.RawClick{}, false
	}
	return rawClickFromEvent(evt), true
}

// flush inserts the batch and acks on success. On insert failure nothing is
// acked: Pulse redelivers the events and the click IDs dedupe the rewrite.
func (c *Consumer) flush(ctx context.Context, sink Sink, batch []pendingEvent) []pendingEvent {
	if len(batch) == 0 {
		return batch
	}
	rows := make([]clicklog.RawClick, len(batch))
	for i, p := range batch {
		rows[i] = p.row
	}
	inserted, err := c.clicks.InsertIgnoreDuplicates(ctx, rows)
	if err != nil {
		c.logger.Error(ctx, "click batch insert failed", "err", err, "events", len(batch))
		c.metrics.IncCounter("consumer.batch.failed", 1)
		return batch[:0]
	}
	for _, p := range batch {
		if err := sink.Ack(ctx, p.evt); err != nil {
			c.logger.Warn(ctx, "ack click event", "err", err, "event", p.evt.ID)
		}
	}
	c.metrics.IncCounter("consumer.consumed", float64(len(batch)))
	c.metrics.IncCounter("consumer.inserted", float64(inserted))
	return batch[:0]
}

func (c *Consumer) ackPoison(ctx context.Context, sink Sink, ev *streaming.Event, reason string) {
	c.logger.Warn(ctx, "dropping poison click event", "event", ev.ID, "reason", reason)
	c.metrics.IncCounter("consumer.poison", 1)
	if err := sink.Ack(ctx, ev); err != nil {
		c.logger.Error(ctx, "ack poison click event", "err", err, "event", ev.ID)
	}
}

// rawClickFromEvent converts a queue message to its log row, re-deriving the
// device class and the bot flag from the user agent when the producer did not
// carry them.
func rawClickFromEvent(evt click.Event) clicklog.RawClick {
	device := evt.DeviceClass
	if device == "" {
		device = string(click.DeviceClassOf(evt.UserAgent))
	}
	return clicklog.RawClick{
		ClickID:        evt.ClickID,
		Timestamp:      evt.Timestamp.UTC(),
		WorkspaceID:    evt.WorkspaceID,
		LinkID:         evt.LinkID,
		Domain:         evt.Domain,
		Slug:           evt.Slug,
		DestinationURL: evt.DestinationURL,
		Referrer:       evt.Referrer,
		UserAgent:      evt.UserAgent,
		IPHash:         evt.IPHash,
		Country:        evt.Country,
		Region:         evt.Region,
		City:           evt.City,
		DeviceClass:    device,
		BotSuspected:   click.IsBot(evt.UserAgent),
	}
}
