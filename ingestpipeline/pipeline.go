// Package ingestpipeline buffers validated events off the HTTP request
// path and persists them in batches: issue resolution, issue count
// bumps, and hourly statistics rollups, adapted from the channel +
// ticker + batch-size-threshold pattern used elsewhere in this
// codebase for high-throughput async ingestion.
package ingestpipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/cache"
	"github.com/glitchtip/ingest/db"
	"github.com/glitchtip/ingest/grouping"
	"github.com/glitchtip/ingest/metrics"
)

// Config controls batching and retry behavior.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Workers       int
	MaxLexemes    int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     200,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
		Workers:       4,
		MaxLexemes:    10000,
	}
}

// Pipeline is the Bulk Persister and Statistics Aggregator: it
// resolves each batch of events to issues, then applies the batch's
// issue count updates and its (project, hour) / (issue, hour) bucket
// upserts as one bulk statement each instead of a write per event.
type Pipeline struct {
	logger  zerolog.Logger
	config  Config
	store   *db.Store
	engine  *grouping.Engine
	cache   *cache.Store
	metrics *metrics.Registry

	eventCh chan *grouping.ProcessedEvent

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
	flushErrors    int64
}

func New(logger zerolog.Logger, store *db.Store, engine *grouping.Engine, cacheStore *cache.Store, reg *metrics.Registry, config ...Config) *Pipeline {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:  logger.With().Str("component", "ingest-pipeline").Logger(),
		config:  cfg,
		store:   store,
		engine:  engine,
		cache:   cacheStore,
		metrics: reg,
		eventCh: make(chan *grouping.ProcessedEvent, cfg.BufferSize),
	}
}

// Start launches the flush workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("ingest pipeline started")
}

// Stop cancels the workers and drains whatever remains in the channel
// before returning, so in-flight events are not lost on shutdown.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drain()
	p.logger.Info().
		Int64("received", atomic.LoadInt64(&p.eventsReceived)).
		Int64("written", atomic.LoadInt64(&p.eventsWritten)).
		Int64("dropped", atomic.LoadInt64(&p.eventsDropped)).
		Int64("flush_errors", atomic.LoadInt64(&p.flushErrors)).
		Msg("ingest pipeline stopped")
}

// Submit enqueues a validated event for batched persistence.
// Non-blocking: drops the event if the buffer is full rather than
// stalling the request path.
func (p *Pipeline) Submit(ev *grouping.ProcessedEvent) {
	select {
	case p.eventCh <- ev:
		atomic.AddInt64(&p.eventsReceived, 1)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		p.logger.Warn().Int64("project_id", ev.ProjectID).Msg("event dropped: ingest buffer full")
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*grouping.ProcessedEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		case ev := <-p.eventCh:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = make([]*grouping.ProcessedEvent, 0, p.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = make([]*grouping.ProcessedEvent, 0, p.config.BatchSize)
			}
		}
	}
}

func (p *Pipeline) drain() {
	batch := make([]*grouping.ProcessedEvent, 0, p.config.BatchSize)
	for {
		select {
		case ev := <-p.eventCh:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		}
	}
}

// flush resolves a batch to issues, then persists the accumulated
// counts and hourly statistics, retrying the whole batch with
// exponential backoff on failure before giving up and counting it as
// dropped.
func (p *Pipeline) flush(batch []*grouping.ProcessedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.persist(ctx, batch)
		if err == nil {
			atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("ingest flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}

	atomic.AddInt64(&p.flushErrors, 1)
	atomic.AddInt64(&p.eventsDropped, int64(len(batch)))
	if p.metrics != nil {
		p.metrics.EventsDropped.Add(float64(len(batch)))
	}
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("ingest batch dropped after retries")
}

func (p *Pipeline) persist(ctx context.Context, batch []*grouping.ProcessedEvent) error {
	created, err := p.engine.ResolveBatch(ctx, batch)
	if err != nil {
		return err
	}
	if p.metrics != nil && created > 0 {
		p.metrics.IssuesCreated.Add(float64(created))
	}

	if err := p.store.BulkInsertEvents(ctx, grouping.EventRows(batch)); err != nil {
		return err
	}

	updates := grouping.AccumulateCounts(batch)
	if err := p.store.BulkUpdateIssueCounts(ctx, updates, p.config.MaxLexemes); err != nil {
		return err
	}

	if err := p.store.BulkUpsertIssueTags(ctx, grouping.TagCounts(batch)); err != nil {
		return err
	}

	projectCounts := aggregateProjectHours(batch)
	if err := p.store.BulkUpsertProjectHourlyStats(ctx, projectCounts); err != nil {
		return err
	}

	issueCounts := aggregateIssueHours(batch)
	if err := p.store.BulkUpsertIssueHourlyStats(ctx, issueCounts); err != nil {
		return err
	}

	if p.cache != nil {
		seen := make(map[int64]struct{}, len(updates))
		for _, u := range updates {
			if _, ok := seen[u.IssueID]; ok {
				continue
			}
			seen[u.IssueID] = struct{}{}
			if err := p.cache.MarkIssueActive(ctx, u.IssueID); err != nil {
				p.logger.Warn().Err(err).Int64("issue_id", u.IssueID).Msg("failed to mark issue active for alert evaluation")
			}
		}
	}

	return nil
}

func aggregateProjectHours(batch []*grouping.ProcessedEvent) []db.ProjectHourlyCount {
	type key struct {
		projectID int64
		hour      time.Time
	}
	counts := make(map[key]int)
	order := make([]key, 0)
	for _, ev := range batch {
		k := key{projectID: ev.ProjectID, hour: ev.ReceivedAt.Truncate(time.Hour)}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}
	out := make([]db.ProjectHourlyCount, 0, len(order))
	for _, k := range order {
		out = append(out, db.ProjectHourlyCount{ProjectID: k.projectID, Hour: k.hour, Count: counts[k]})
	}
	return out
}

func aggregateIssueHours(batch []*grouping.ProcessedEvent) []db.IssueHourlyCount {
	type key struct {
		issueID int64
		hour    time.Time
	}
	type agg struct {
		count int
		orgID int64
	}
	counts := make(map[key]*agg)
	order := make([]key, 0)
	for _, ev := range batch {
		k := key{issueID: ev.IssueID, hour: ev.ReceivedAt.Truncate(time.Hour)}
		a, ok := counts[k]
		if !ok {
			a = &agg{orgID: ev.OrganizationID}
			counts[k] = a
			order = append(order, k)
		}
		a.count++
	}
	out := make([]db.IssueHourlyCount, 0, len(order))
	for _, k := range order {
		a := counts[k]
		out = append(out, db.IssueHourlyCount{IssueID: k.issueID, OrganizationID: a.orgID, Hour: k.hour, Count: a.count})
	}
	return out
}

// Stats reports current throughput counters. Only BufferLen is read
// outside this package (by the metrics buffer-length gauge); the health
// endpoints do not use Stats.
type Stats struct {
	EventsReceived int64
	EventsWritten  int64
	EventsDropped  int64
	FlushErrors    int64
	BufferLen      int
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		EventsReceived: atomic.LoadInt64(&p.eventsReceived),
		EventsWritten:  atomic.LoadInt64(&p.eventsWritten),
		EventsDropped:  atomic.LoadInt64(&p.eventsDropped),
		FlushErrors:    atomic.LoadInt64(&p.flushErrors),
		BufferLen:      len(p.eventCh),
	}
}
