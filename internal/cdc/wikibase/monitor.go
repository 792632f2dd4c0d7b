package wikibase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-wikibase/internal/metrics"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// State is a phase of the capture loop.
type State int

const (
	Idle State = iota
	Paging
	Dedupe
	Fetching
	Committing
	Aborted
)

var stateNames = []string{"Idle", "Paging", "Dedupe", "Fetching", "Committing", "Aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	defaultPollInterval     = 10 * time.Second
	defaultMaxPollInterval  = 2 * time.Minute
	defaultWindowMargin     = 5 * time.Second
	defaultMaxPagesPerCycle = 20
	defaultFetchWorkers     = 8
)

// MonitorConfig tunes a ChangeMonitor.
type MonitorConfig struct {
	Stream          string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// WindowMargin widens every window start backwards.
	WindowMargin time.Duration
	// MaxPagesPerCycle bounds catch-up paging before a commit.
	MaxPagesPerCycle int
	// FetchWorkers bounds concurrent entity fetches.
	FetchWorkers int
	// StartTime positions a stream with no committed cursor. Zero means now.
	StartTime time.Time
	// Retry configures sink delivery retries.
	Retry icdc.RetryConfig
}

func (c *MonitorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(defaultMaxPollInterval, c.PollInterval)
	}
	if c.WindowMargin < 0 {
		c.WindowMargin = 0
	}
	if c.MaxPagesPerCycle <= 0 {
		c.MaxPagesPerCycle = defaultMaxPagesPerCycle
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = defaultFetchWorkers
	}
}

// CycleResult summarizes one pass through Paging..Committing.
type CycleResult struct {
	Pages     int
	Changes   int
	Delivered int
	Skipped   int
	// CaughtUp is set when the last page had no continuation token.
	CaughtUp  bool
	Committed bool
	Cursor    cdc.Cursor
}

// ChangeMonitor is the change capture loop for one stream. It owns the
// stream's cursor: only the Committing phase moves it.
type ChangeMonitor struct {
	pager      cdc.FeedPager
	fetcher    cdc.SnapshotFetcher
	sink       cdc.Sink
	config     MonitorConfig
	logger     hclog.Logger
	metrics    *metrics.Collector
	clock      clock.Clock
	batchSizer *icdc.BatchSizer
	budget     *icdc.RetryBudget
	retrier    *icdc.Retrier

	mu          sync.Mutex
	state       State
	cursor      cdc.Cursor
	initialized bool
	resumeToken string
	abortErr    error
}

// MonitorOption customizes a ChangeMonitor
type MonitorOption func(*ChangeMonitor)

// WithMonitorLogger sets the logger
func WithMonitorLogger(l hclog.Logger) MonitorOption {
	return func(m *ChangeMonitor) {
		m.logger = l
	}
}

// WithMetrics records loop metrics
func WithMetrics(c *metrics.Collector) MonitorOption {
	return func(m *ChangeMonitor) {
		m.metrics = c
	}
}

// WithMonitorClock replaces the wall clock
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *ChangeMonitor) {
		m.clock = c
	}
}

// WithBatchSizer sizes feed pages adaptively
func WithBatchSizer(bs *icdc.BatchSizer) MonitorOption {
	return func(m *ChangeMonitor) {
		m.batchSizer = bs
	}
}

// WithRetryBudget shares the cycle retry budget with the pager and fetcher.
// The monitor resets it after every commit.
func WithRetryBudget(b *icdc.RetryBudget) MonitorOption {
	return func(m *ChangeMonitor) {
		m.budget = b
	}
}

// NewChangeMonitor creates a capture loop.
func NewChangeMonitor(pager cdc.FeedPager, fetcher cdc.SnapshotFetcher, sink cdc.Sink, cfg MonitorConfig, opts ...MonitorOption) *ChangeMonitor {
	cfg.defaults()
	m := &ChangeMonitor{
		pager:   pager,
		fetcher: fetcher,
		sink:    sink,
		config:  cfg,
		logger:  hclog.NewNullLogger(),
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.batchSizer == nil {
		m.batchSizer = icdc.NewBatchSizer(icdc.StandardSKULimit, 0)
	}
	m.logger = m.logger.Named("monitor").With("stream", cfg.Stream)
	m.retrier = icdc.NewRetrier(cfg.Retry,
		icdc.WithBudget(m.budget),
		icdc.WithClock(m.clock),
		icdc.WithLogger(m.logger),
		icdc.WithRetryHook(m.metrics.Retry),
	)
	m.metrics.State(Idle.String(), stateNames)
	return m
}

// State returns the loop's current phase.
func (m *ChangeMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cursor returns the last committed cursor.
func (m *ChangeMonitor) Cursor() cdc.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Run cycles until ctx is done or the loop aborts. A stop request returns
// nil once the in-flight phase has finished.
func (m *ChangeMonitor) Run(ctx context.Context) error {
	backoff := utils.NewBackoffManager(m.config.PollInterval, m.config.MaxPollInterval).WithClock(m.clock)

	for {
		if ctx.Err() != nil {
			m.logger.Info("Stopping monitoring due to context cancellation")
			return nil
		}

		res, err := m.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				m.logger.Info("Stopping monitoring due to context cancellation")
				return nil
			}
			return err
		}

		if !res.CaughtUp {
			// Still catching up: page again right away.
			backoff.ResetInterval()
			continue
		}

		if res.Changes > 0 {
			backoff.ResetInterval()
		}
		m.logger.Debug("Caught up", "changes", res.Changes, "nextPollIn", backoff.GetInterval())
		if err := backoff.Wait(ctx); err != nil {
			m.logger.Info("Stopping monitoring due to context cancellation")
			return nil
		}
		if res.Changes == 0 {
			backoff.IncreaseInterval()
		}
	}
}

// Cycle runs one Paging, Dedupe, Fetching, Committing pass. The stop signal
// is honoured at phase boundaries only; network calls already started run
// to completion.
func (m *ChangeMonitor) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	m.mu.Lock()
	abortErr := m.abortErr
	m.mu.Unlock()
	if abortErr != nil {
		return res, abortErr
	}

	started := m.clock.Now()
	defer func() { m.metrics.CycleDuration(m.clock.Now().Sub(started)) }()

	// In-flight requests outlive a stop request.
	work := context.WithoutCancel(ctx)

	if err := m.initCursor(work); err != nil {
		return res, m.abort(err)
	}
	cursor := m.Cursor()
	res.Cursor = cursor

	// Paging
	if err := m.enter(ctx, Paging); err != nil {
		return res, err
	}
	collected, nextToken, pages, err := m.page(ctx, work, cursor)
	res.Pages = pages
	if err != nil {
		m.setResumeToken("")
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			m.setState(Idle)
			return res, err
		}
		return res, m.abort(fmt.Errorf("paging: %w", err))
	}
	res.CaughtUp = nextToken == ""

	// Dedupe
	if err := m.enter(ctx, Dedupe); err != nil {
		m.setResumeToken("")
		return res, err
	}
	fresh := make([]cdc.Change, 0, len(collected))
	for _, ch := range collected {
		if !cursor.Covers(ch) {
			fresh = append(fresh, ch)
		}
	}
	unique := cdc.Dedupe(fresh)
	m.metrics.Changes(metrics.OutcomeFiltered, len(collected)-len(fresh))
	m.metrics.Changes(metrics.OutcomeMerged, len(fresh)-len(unique))
	res.Changes = len(unique)

	if len(unique) == 0 {
		// Everything read is already committed.
		m.setResumeToken(nextToken)
		m.setState(Idle)
		m.logger.Debug("No changes found", "pages", pages)
		return res, nil
	}

	// Fetching
	if err := m.enter(ctx, Fetching); err != nil {
		m.setResumeToken("")
		return res, err
	}
	items, skips, err := m.fetchAll(work, unique)
	if err != nil {
		m.setResumeToken("")
		return res, m.abort(fmt.Errorf("fetching: %w", err))
	}
	res.Delivered = len(items)
	res.Skipped = len(skips)

	// Committing
	if err := m.enter(ctx, Committing); err != nil {
		m.setResumeToken("")
		return res, err
	}
	next := cursor.Commit(fresh)
	batch := &cdc.Batch{
		ID:      uuid.NewString(),
		Stream:  m.config.Stream,
		Items:   items,
		Skipped: skips,
		Cursor:  next,
	}

	err = m.retrier.Do(work, "deliver", func() error {
		return m.sink.Deliver(work, batch)
	})
	if err != nil {
		m.setResumeToken("")
		m.metrics.Batch("failed")
		return res, m.abort(fmt.Errorf("committing batch %s: %w", batch.ID, err))
	}
	m.metrics.Batch("committed")

	m.mu.Lock()
	m.cursor = next
	m.resumeToken = nextToken
	m.mu.Unlock()
	m.budget.Reset()

	m.metrics.Cursor(next.Timestamp, next.SequenceID)
	m.metrics.Changes(metrics.OutcomeDelivered, len(items))
	m.observeBatch(items)

	res.Committed = true
	res.Cursor = next
	sizing := m.batchSizer.GetMetrics()
	m.logger.Info("Committed batch", "batch", batch.ID, "delivered", len(items), "skipped", len(skips), "cursor", next.String(),
		"pageSize", sizing.BatchSize, "avgSnapshotBytes", sizing.AvgSnapshotSize)

	m.setState(Idle)
	return res, nil
}

func (m *ChangeMonitor) initCursor(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if initialized {
		return nil
	}

	cursor, err := m.sink.LastCommittedCursor(ctx)
	if err != nil {
		return fmt.Errorf("loading committed cursor: %w", err)
	}
	if cursor.IsZero() {
		start := m.config.StartTime
		if start.IsZero() {
			start = m.clock.Now()
		}
		cursor = cdc.NewCursor(start, 0)
		m.logger.Info("No committed cursor, starting from", "start", cursor.Timestamp.Format(time.RFC3339))
	} else {
		m.logger.Info("Loaded committed cursor", "cursor", cursor.String())
	}

	m.mu.Lock()
	m.cursor = cursor
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// page walks the feed until a page without a continuation token, or until
// the page limit. In the latter case it returns the token the next cycle
// resumes from; the caller keeps it only once the batch is committed.
func (m *ChangeMonitor) page(ctx, work context.Context, cursor cdc.Cursor) ([]cdc.Change, string, int, error) {
	windowStart := cursor.WindowStart().Add(-m.config.WindowMargin)

	m.mu.Lock()
	token := m.resumeToken
	m.mu.Unlock()

	var collected []cdc.Change
	pages := 0
	for {
		if pages > 0 && ctx.Err() != nil {
			return nil, "", pages, ctx.Err()
		}

		batchSize := int(m.batchSizer.GetBatchSize())
		page, err := m.pager.FetchPage(work, windowStart, token, batchSize)
		if err != nil {
			return nil, "", pages, err
		}
		pages++
		m.metrics.PageFetched(batchSize)
		m.metrics.Changes(metrics.OutcomeMalformed, page.Skipped)
		collected = append(collected, page.Changes...)

		if !page.HasMore() {
			return collected, "", pages, nil
		}
		token = page.Continue

		if pages >= m.config.MaxPagesPerCycle {
			m.logger.Info("Page limit reached, committing before catching up further", "pages", pages)
			return collected, token, pages, nil
		}
	}
}

type fetchResult struct {
	snapshot *cdc.EntitySnapshot
	err      error
}

// fetchAll fetches snapshots on a bounded pool. Results keep the order of
// changes. Per-entity failures become skips; only an exhausted retry
// budget fails the whole batch.
func (m *ChangeMonitor) fetchAll(ctx context.Context, changes []cdc.Change) ([]cdc.BatchItem, []cdc.Skip, error) {
	results := make([]fetchResult, len(changes))

	var g errgroup.Group
	g.SetLimit(m.config.FetchWorkers)
	for i, ch := range changes {
		i, ch := i, ch
		g.Go(func() error {
			snap, err := m.fetcher.Fetch(ctx, ch.Title)
			results[i] = fetchResult{snapshot: snap, err: err}
			return nil
		})
	}
	_ = g.Wait()

	items := make([]cdc.BatchItem, 0, len(changes))
	var skips []cdc.Skip
	for i, ch := range changes {
		r := results[i]
		switch {
		case r.err == nil && r.snapshot != nil:
			items = append(items, cdc.BatchItem{Change: ch, Snapshot: *r.snapshot})
		case errors.Is(r.err, icdc.ErrRetryBudgetExhausted):
			return nil, nil, r.err
		case errors.Is(r.err, icdc.ErrEntityNotFound):
			m.logger.Info("Entity is gone, recording tombstone", "title", ch.Title, "seq", ch.SequenceID)
			skips = append(skips, cdc.Skip{Change: ch, Reason: r.err.Error(), Tombstone: true})
			m.metrics.Changes(metrics.OutcomeDeleted, 1)
		default:
			reason := "empty snapshot"
			if r.err != nil {
				reason = r.err.Error()
			}
			m.logger.Warn("Skipping entity", "title", ch.Title, "seq", ch.SequenceID, "error", reason)
			skips = append(skips, cdc.Skip{Change: ch, Reason: reason})
			m.metrics.Changes(metrics.OutcomeSkipped, 1)
		}
	}
	return items, skips, nil
}

func (m *ChangeMonitor) observeBatch(items []cdc.BatchItem) {
	if len(items) == 0 {
		return
	}
	size := 0
	for _, item := range items {
		for _, st := range item.Snapshot.Statements {
			size += len(st.NTriples()) + 1
		}
	}
	m.batchSizer.Observe(size, len(items))
}

// enter moves to the next phase unless a stop was requested.
func (m *ChangeMonitor) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		m.setState(Idle)
		return err
	}
	m.setState(s)
	return nil
}

func (m *ChangeMonitor) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Trace("State change", "from", prev.String(), "to", s.String())
		m.metrics.State(s.String(), stateNames)
	}
}

func (m *ChangeMonitor) setResumeToken(token string) {
	m.mu.Lock()
	m.resumeToken = token
	m.mu.Unlock()
}

func (m *ChangeMonitor) abort(err error) error {
	err = fmt.Errorf("%w: %w", icdc.ErrAborted, err)
	m.mu.Lock()
	m.abortErr = err
	m.mu.Unlock()
	m.setState(Aborted)
	m.logger.Error("Capture loop aborted", "error", err)
	return err
}
