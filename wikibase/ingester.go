package wikibase

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/internal/cdc/locking"
	wbcdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc/wikibase"
	"github.com/katasec/dstream-ingester-wikibase/internal/config"
	"github.com/katasec/dstream-ingester-wikibase/internal/db"
	"github.com/katasec/dstream-ingester-wikibase/internal/metrics"
	"github.com/katasec/dstream-ingester-wikibase/internal/sink"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// Ingester wires the change capture loop of one stream to its checkpoint
// store, lock and sink.
type Ingester struct {
	config        *config.Config
	logger        hclog.Logger
	lockerFactory *locking.LockerFactory
	registry      *prometheus.Registry
}

// NewIngester creates an Ingester for a validated configuration.
func NewIngester(cfg *config.Config, logger hclog.Logger) *Ingester {
	if logger == nil {
		logger = GetLogger()
	}
	return &Ingester{
		config: cfg,
		logger: logger,
		lockerFactory: locking.NewLockerFactory(
			cfg.Lock.Type,
			cfg.Lock.ConnectionString,
			cfg.Lock.ContainerName,
			cfg.APIURL,
			logger,
		),
		registry: prometheus.NewRegistry(),
	}
}

// Registry returns the registry the loop metrics are registered with.
func (s *Ingester) Registry() *prometheus.Registry {
	return s.registry
}

// Status is the committed position of a stream.
type Status struct {
	Stream string
	Cursor cdc.Cursor
	Locked bool
}

// Start takes the stream lock and runs the capture loop until ctx is done
// or the loop aborts.
func (s *Ingester) Start(ctx context.Context) error {
	cfg := s.config
	s.logger.Info("Starting Wikibase ingester", "stream", cfg.Stream, "api", cfg.APIURL, "sink", cfg.Sink.Type)

	release, err := s.lockerFactory.AcquireStreamLock(ctx, cfg.Stream)
	if err != nil {
		return err
	}
	defer release()

	conn, checkpoints, err := s.openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	target, closeSink, err := s.openSink(checkpoints)
	if err != nil {
		return err
	}
	defer closeSink()

	collector := metrics.NewCollector(cfg.Stream)
	if err := s.registry.Register(collector); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	defer s.registry.Unregister(collector)

	monitor, err := s.newMonitor(target, collector)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if listen := cfg.Metrics.Listen; listen != "" {
		s.logger.Info("Serving metrics", "listen", listen)
		g.Go(func() error {
			return metrics.Serve(gctx, listen, s.registry)
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Ingester stopped", "state", monitor.State(), "cursor", monitor.Cursor(), "error", err)
		return err
	}
	s.logger.Info("Context cancelled, shutting down Wikibase ingester", "cursor", monitor.Cursor())
	return nil
}

func (s *Ingester) newMonitor(target cdc.Sink, collector *metrics.Collector) (*wbcdc.ChangeMonitor, error) {
	cfg := s.config

	startTime, err := cfg.GetStartTime()
	if err != nil {
		return nil, err
	}

	retryCfg := icdc.RetryConfig{
		Attempts: cfg.GetRetryAttempts(),
		Delay:    cfg.GetRetryDelay(),
		MaxDelay: cfg.GetRetryMaxDelay(),
	}
	budget := icdc.NewRetryBudget(cfg.GetRetryBudget())
	retrier := icdc.NewRetrier(retryCfg,
		icdc.WithBudget(budget),
		icdc.WithLogger(s.logger),
		icdc.WithRetryHook(collector.Retry),
	)

	client := wbcdc.NewClient(wbcdc.ClientConfig{
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.GetRequestTimeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, s.logger)

	pager := wbcdc.NewRecentChangesPager(client, retrier, wbcdc.PagerConfig{
		APIURL:     cfg.APIURL,
		Namespaces: cfg.Namespaces,
		MaxLag:     cfg.MaxLag,
	}, s.logger)

	fetcher := wbcdc.NewEntityDataFetcher(client, retrier, wbcdc.EntityFetcherConfig{
		EntityDataURL: cfg.EntityDataURL,
	}, s.logger)

	sizer := icdc.NewBatchSizer(cfg.Sink.MaxMessageSize, cfg.MaxBatchSize,
		icdc.WithMinBatchSize(cfg.BatchSize),
		icdc.WithSizerLogger(s.logger),
	)

	return wbcdc.NewChangeMonitor(pager, fetcher, target, wbcdc.MonitorConfig{
		Stream:           cfg.Stream,
		PollInterval:     cfg.GetPollInterval(),
		MaxPollInterval:  cfg.GetMaxPollInterval(),
		WindowMargin:     cfg.GetWindowMargin(),
		MaxPagesPerCycle: cfg.MaxPagesPerCycle,
		FetchWorkers:     cfg.FetchWorkers,
		StartTime:        startTime,
		Retry:            retryCfg,
	},
		wbcdc.WithMonitorLogger(s.logger),
		wbcdc.WithMetrics(collector),
		wbcdc.WithBatchSizer(sizer),
		wbcdc.WithRetryBudget(budget),
	), nil
}

// openCheckpoints connects to the checkpoint database and makes sure the
// checkpoint table exists.
func (s *Ingester) openCheckpoints(ctx context.Context) (*sql.DB, *wbcdc.CheckpointManager, error) {
	cp := s.config.Checkpoint
	conn, dialect, err := db.Connect(ctx, cp.Driver, cp.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to checkpoint store: %w", err)
	}

	checkpoints, err := wbcdc.NewCheckpointManager(conn, dialect, s.config.Stream, s.logger, cp.Table)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := checkpoints.InitializeCheckpointTable(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, checkpoints, nil
}

// openSink builds the sink named by the configuration. Every sink except a
// plugin commits the cursor to checkpoints; a plugin owns its own cursor.
func (s *Ingester) openSink(checkpoints cdc.CheckpointStore) (cdc.Sink, func(), error) {
	cfg := s.config
	if cfg.Sink.Type == "plugin" {
		return sink.OpenPluginSink(cfg.Sink.PluginPath, nil, s.logger)
	}

	publisher, err := s.openPublisher()
	if err != nil {
		return nil, nil, err
	}

	ps := sink.NewPublisherSink(publisher, checkpoints, s.logger)
	closeSink := func() {
		if err := ps.Close(); err != nil {
			s.logger.Warn("Failed to close sink", "error", err)
		}
	}
	return ps, closeSink, nil
}

func (s *Ingester) openPublisher() (cdc.Publisher, error) {
	cfg := s.config
	switch cfg.Sink.Type {
	case "servicebus":
		return sink.NewServiceBusPublisher(cfg.Sink.ConnectionString, cfg.Sink.Queue, cfg.APIURL, s.logger)
	case "nats":
		return sink.NewNatsPublisher(cfg.Sink.URL, cfg.Sink.Subject, cfg.APIURL, s.logger)
	case "log":
		return sink.NewLogPublisher(cfg.APIURL, s.logger), nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Sink.Type)
	}
}

// ServeSink serves this configuration's publisher sink as a go-plugin sink.
// It blocks until the host process goes away.
func (s *Ingester) ServeSink(ctx context.Context) error {
	if s.config.Sink.Type == "plugin" {
		return fmt.Errorf("serve-sink needs a publisher sink, not a plugin")
	}

	conn, checkpoints, err := s.openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	target, closeSink, err := s.openSink(checkpoints)
	if err != nil {
		return err
	}
	defer closeSink()

	sink.ServeSink(target, s.logger)
	return nil
}

// GetStatus reports the committed cursor and whether the stream is locked.
func (s *Ingester) GetStatus(ctx context.Context) (*Status, error) {
	conn, checkpoints, err := s.openCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cursor, err := checkpoints.LoadCursor(ctx)
	if err != nil {
		return nil, err
	}

	locked, err := s.lockerFactory.GetLockedStreams(ctx, []string{s.config.Stream})
	if err != nil {
		return nil, err
	}

	return &Status{Stream: s.config.Stream, Cursor: cursor, Locked: len(locked) > 0}, nil
}

// ResetCursor overwrites the committed cursor. The stream must not be
// running.
func (s *Ingester) ResetCursor(ctx context.Context, cursor cdc.Cursor) error {
	release, err := s.lockerFactory.AcquireStreamLock(ctx, s.config.Stream)
	if err != nil {
		return err
	}
	defer release()

	conn, checkpoints, err := s.openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return checkpoints.ResetCursor(ctx, cursor)
}
