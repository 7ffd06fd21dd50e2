// Command hoplinkd runs the hoplink data plane: the public redirect server,
// the authenticated analytics API and the background click pipeline (click
// log writer, rollup aggregation, retention, billing report and
// reconciliation).
//
// # Clustering
//
// Multiple instances sharing the same REDIS_URL form a cluster: click events
// from every instance fan into one Redis stream, and each scheduled job tick
// fires on exactly one instance.
//
// # Configuration
//
// Configuration comes from the environment; a .env file in the working
// directory is honored when present. See the config package for the full key
// table. The -http-redirect and -http-api flags override the listen
// addresses.
//
// Bearer tokens for the analytics API are read from API_TOKENS as a
// comma-separated list of token:workspace:plan triples:
//
//	API_TOKENS=s3cr3t:ws_1:free,t0ken:ws_2:pro ./hoplinkd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"github.com/hoplink/hoplink/analytics"
	"github.com/hoplink/hoplink/api"
	"github.com/hoplink/hoplink/billing"
	billingmongo "github.com/hoplink/hoplink/billing/mongo"
	"github.com/hoplink/hoplink/catalog"
	catalogmongo "github.com/hoplink/hoplink/catalog/mongo"
	clicklogmongo "github.com/hoplink/hoplink/clicklog/mongo"
	"github.com/hoplink/hoplink/config"
	"github.com/hoplink/hoplink/counter"
	countermongo "github.com/hoplink/hoplink/counter/mongo"
	"github.com/hoplink/hoplink/jobs"
	"github.com/hoplink/hoplink/queue"
	"github.com/hoplink/hoplink/redirect"
	"github.com/hoplink/hoplink/retention"
	"github.com/hoplink/hoplink/rollup"
	rollupmongo "github.com/hoplink/hoplink/rollup/mongo"
	"github.com/hoplink/hoplink/storage"
	"github.com/hoplink/hoplink/telemetry"
)

func main() {
	// Define command line flags. Everything else comes from the environment.
	var (
		httpRedirectF = flag.String("http-redirect", "", "Redirect listen address (overrides HTTP_REDIRECT_ADDR)")
		httpAPIF      = flag.String("http-api", "", "Analytics API listen address (overrides HTTP_API_ADDR)")
		dbgF          = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Load configuration. A missing .env file is fine; the environment wins.
	_ = godotenv.Load()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *httpRedirectF != "" {
		cfg.RedirectAddr = *httpRedirectF
	}
	if *httpAPIF != "" {
		cfg.APIAddr = *httpAPIF
	}
	tokens, err := parseTokens(os.Getenv("API_TOKENS"))
	if err != nil {
		log.Fatalf(ctx, err, "invalid API_TOKENS")
	}
	if len(tokens) == 0 {
		log.Printf(ctx, "API_TOKENS is empty, every analytics request will be rejected")
	}

	// Connect the backing stores.
	mongoClient, err := storage.ConnectMongo(ctx, cfg.MongoURL)
	if err != nil {
		log.Fatalf(ctx, err, "mongodb")
	}
	rdb, err := storage.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		log.Fatalf(ctx, err, "redis")
	}

	db := mongoClient.Database(cfg.MongoDatabase)
	var (
		catalogStore = catalogmongo.New(db)
		counterStore = countermongo.New(db)
		clickStore   = clicklogmongo.New(db)
		billingStore = billingmongo.New(db)
	)
	rollupStore, err := rollupmongo.New(rollupmongo.Options{Database: db})
	if err != nil {
		log.Fatalf(ctx, err, "rollup store")
	}
	indexed := []interface {
		EnsureIndexes(context.Context) error
	}{catalogStore, clickStore, rollupStore, billingStore}
	for _, s := range indexed {
		if err := s.EnsureIndexes(ctx); err != nil {
			log.Fatalf(ctx, err, "ensure indexes")
		}
	}

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
		tracer  = telemetry.NewClueTracer()
	)

	// Assemble the redirect path: resolver, plan cache, counter, dispatcher.
	plans := catalog.NewPlanCache(catalogStore, cfg.PlanCacheTTL)
	usage, err := counter.New(counter.Options{Store: counterStore})
	if err != nil {
		log.Fatalf(ctx, err, "counter")
	}
	pulseClient, err := queue.New(queue.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.StreamMaxLen,
	})
	if err != nil {
		log.Fatalf(ctx, err, "pulse client")
	}
	publisher, err := queue.NewPublisher(queue.PublisherOptions{
		Client:  pulseClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "click publisher")
	}
	dispatcher, err := redirect.NewDispatcher(redirect.DispatcherOptions{
		Plans:          plans,
		Counter:        usage,
		Publisher:      publisher,
		FreeMonthlyCap: cfg.FreeMonthlyCap,
		Workers:        cfg.DispatcherWorkers,
		QueueSize:      cfg.DispatcherQueueSize,
		TaskDeadline:   cfg.DetachedTaskDeadline,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "dispatcher")
	}
	redirectHandler, err := redirect.NewHandler(redirect.HandlerOptions{
		Resolver:   catalog.NewResolver(catalogStore),
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "redirect handler")
	}

	// Assemble the pipeline behind the stream: log writer, aggregation,
	// retention, billing.
	consumer, err := queue.NewConsumer(queue.ConsumerOptions{
		Client:        pulseClient,
		Clicks:        clickStore,
		BatchSize:     cfg.ConsumerBatchSize,
		FlushInterval: cfg.ConsumerFlush,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "click log writer")
	}
	aggregator, err := rollup.NewAggregator(rollup.AggregatorOptions{
		Clicks:    clickStore,
		Rollups:   rollupStore,
		BatchSize: cfg.AggregationBatchSize,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "aggregator")
	}
	retentionJob, err := retention.NewJob(retention.JobOptions{
		Clicks:        clickStore,
		RetentionDays: cfg.RetentionDaysFree,
		BatchSize:     cfg.RetentionBatchSize,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "retention job")
	}
	reporter, err := billing.NewReporter(billing.ReporterOptions{
		Workspaces:        catalogStore,
		Usage:             billingStore,
		Pro:               usage,
		Invoicer:          billing.NewNoopInvoicer(logger),
		IncludedClicks:    cfg.ProIncludedClicks,
		OverageUnitClicks: cfg.ProOverageUnitClicks,
		OverageUnitPrice:  cfg.ProOverageUnitPrice,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "billing reporter")
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerOptions{
		Usage:     billingStore,
		Pro:       usage,
		Tolerance: cfg.ReconcileTolerance,
		Lookback:  cfg.ReconcileLookback,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "billing reconciler")
	}

	// Assemble the analytics API.
	analyticsSvc, err := analytics.NewService(analytics.ServiceOptions{
		Rollups: rollupStore,
		Links:   catalogStore,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "analytics service")
	}
	apiHandler, err := api.NewHandler(api.HandlerOptions{
		Analytics:      analyticsSvc,
		Auth:           tokens,
		RatePerSecond:  float64(cfg.APIRatePerSecond),
		RateBurst:      cfg.APIRateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "api handler")
	}

	// Join the job pool and schedule the background work. Jobs that take a
	// clock or return counts are adapted to the plain run signature.
	node, err := pool.AddNode(ctx, "hoplink-jobs", rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join job pool")
	}
	runRetention := func(ctx context.Context) error {
		_, err := retentionJob.Run(ctx, time.Now().UTC())
		return err
	}
	runReport := func(ctx context.Context) error {
		_, err := reporter.Run(ctx)
		return err
	}
	runReconcile := func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	}
	scheduler, err := jobs.NewScheduler(jobs.SchedulerOptions{
		Tickers: jobs.NodeTickers(node),
		Periodic: []jobs.PeriodicJob{
			{Job: jobs.Job{Name: "aggregate", Run: aggregator.Run}, Every: cfg.AggregateInterval},
		},
		Daily: []jobs.DailyJob{
			{Job: jobs.Job{Name: "retention", Run: runRetention}, Hour: cfg.RetentionHourUTC},
			{Job: jobs.Job{Name: "report", Run: runReport}, Hour: cfg.ReportHourUTC},
			{Job: jobs.Job{Name: "reconcile", Run: runReconcile}, Hour: cfg.ReconcileHourUTC},
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "scheduler")
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start scheduler")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the process
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// The click log writer gets its own context so it keeps draining the
	// stream while the servers and the dispatcher shut down ahead of it.
	consumerCtx := log.With(ctx, log.KV{K: "component", V: "clicklog-writer"})
	consumerCtx, stopConsumer := context.WithCancel(consumerCtx)
	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
			// The redirect path stays up: the stream buffers clicks until
			// the writer is back.
			log.Errorf(ctx, err, "click log writer stopped")
		}
	}()

	// Start the servers and send errors (if any) to the error channel.
	var wg sync.WaitGroup
	srvCtx, stopServers := context.WithCancel(ctx)
	checker := health.NewChecker(storage.MongoPinger(mongoClient), storage.RedisPinger(rdb))
	handleHTTPServer(srvCtx, cfg.RedirectAddr, redirectServerHandler(srvCtx, redirectHandler, *dbgF), "redirect", &wg, errc)
	handleHTTPServer(srvCtx, cfg.APIAddr, apiServerHandler(srvCtx, apiHandler, checker, *dbgF), "analytics API", &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Drain in dependency order: servers stop accepting work, the dispatcher
	// flushes its tasks into the stream, the writer drains the stream, then
	// the scheduler and the clients go.
	stopServers()
	wg.Wait()
	dispatcher.Stop()
	stopConsumer()
	consumerWG.Wait()
	scheduler.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := node.Close(closeCtx); err != nil {
		log.Printf(ctx, "close job pool node: %v", err)
	}
	if err := pulseClient.Close(closeCtx); err != nil {
		log.Printf(ctx, "close pulse client: %v", err)
	}
	if err := mongoClient.Disconnect(closeCtx); err != nil {
		log.Printf(ctx, "disconnect mongodb: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf(ctx, "close redis: %v", err)
	}
	log.Printf(ctx, "exited")
}

// parseTokens parses the API_TOKENS environment variable. Each entry is a
// token:workspace:plan triple; entries are comma separated.
func parseTokens(s string) (api.TokenMap, error) {
	tokens := api.TokenMap{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("token entry %q is not a token:workspace:plan triple", entry)
		}
		token, workspaceID, plan := parts[0], parts[1], catalog.Plan(parts[2])
		if token == "" || workspaceID == "" {
			return nil, fmt.Errorf("token entry %q has an empty token or workspace", entry)
		}
		if plan != catalog.PlanFree && plan != catalog.PlanPro {
			return nil, fmt.Errorf("token entry %q names unknown plan %q", entry, parts[2])
		}
		tokens[token] = api.Identity{WorkspaceID: workspaceID, Plan: plan}
	}
	return tokens, nil
}
