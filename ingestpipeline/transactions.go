package ingestpipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/db"
)

// ResolvedTransaction is a decoded TransactionEvent plus the auth
// context the envelope handler resolved it under, ready for group
// resolution and bulk persistence.
type ResolvedTransaction struct {
	EventID        string
	ProjectID      int64
	OrganizationID int64
	Transaction    string
	Op             string
	Method         string
	DurationMs     float64
	Timestamp      time.Time
	ReceivedAt     time.Time
	Tags           map[string]string
	ReleaseID      *int64
}

// TransactionPipeline batches performance-transaction items off the
// request path the same way Pipeline batches issue events: a bounded
// channel drained by a pool of workers, each flushing on a batch-size
// or flush-interval trigger, whichever comes first. Transactions never
// create Issues, so there is no grouping-engine dependency here — just
// group-identity resolution and three bulk statements per batch.
type TransactionPipeline struct {
	logger zerolog.Logger
	config Config
	store  *db.Store

	txCh chan *ResolvedTransaction

	wg     sync.WaitGroup
	cancel context.CancelFunc

	received int64
	written  int64
	dropped  int64
}

func NewTransactionPipeline(logger zerolog.Logger, store *db.Store, config ...Config) *TransactionPipeline {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &TransactionPipeline{
		logger: logger.With().Str("component", "transaction-pipeline").Logger(),
		config: cfg,
		store:  store,
		txCh:   make(chan *ResolvedTransaction, cfg.BufferSize),
	}
}

func (p *TransactionPipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info().Int("workers", p.config.Workers).Msg("transaction pipeline started")
}

func (p *TransactionPipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drain()
	p.logger.Info().
		Int64("received", atomic.LoadInt64(&p.received)).
		Int64("written", atomic.LoadInt64(&p.written)).
		Int64("dropped", atomic.LoadInt64(&p.dropped)).
		Msg("transaction pipeline stopped")
}

// Submit enqueues a decoded transaction for batched persistence,
// dropping it rather than blocking the request path if the buffer is
// full, same backpressure policy as Pipeline.Submit.
func (p *TransactionPipeline) Submit(tx *ResolvedTransaction) {
	select {
	case p.txCh <- tx:
		atomic.AddInt64(&p.received, 1)
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Int64("project_id", tx.ProjectID).Msg("transaction dropped: ingest buffer full")
	}
}

func (p *TransactionPipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*ResolvedTransaction, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		case tx := <-p.txCh:
			batch = append(batch, tx)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = make([]*ResolvedTransaction, 0, p.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = make([]*ResolvedTransaction, 0, p.config.BatchSize)
			}
		}
	}
}

func (p *TransactionPipeline) drain() {
	batch := make([]*ResolvedTransaction, 0, p.config.BatchSize)
	for {
		select {
		case tx := <-p.txCh:
			batch = append(batch, tx)
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

func (p *TransactionPipeline) flush(batch []*ResolvedTransaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.persist(ctx, batch); err != nil {
		atomic.AddInt64(&p.dropped, int64(len(batch)))
		p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("transaction batch dropped")
		return
	}
	atomic.AddInt64(&p.written, int64(len(batch)))
}

func (p *TransactionPipeline) persist(ctx context.Context, batch []*ResolvedTransaction) error {
	groupIDs := make(map[db.TransactionGroupRow]int64)
	for _, tx := range batch {
		key := db.TransactionGroupRow{ProjectID: tx.ProjectID, Transaction: tx.Transaction, Op: tx.Op, Method: tx.Method}
		if _, ok := groupIDs[key]; ok {
			continue
		}
		id, err := p.store.GetOrCreateTransactionGroup(ctx, key)
		if err != nil {
			return err
		}
		groupIDs[key] = id
	}

	rows := make([]db.TransactionEventRow, 0, len(batch))
	for _, tx := range batch {
		key := db.TransactionGroupRow{ProjectID: tx.ProjectID, Transaction: tx.Transaction, Op: tx.Op, Method: tx.Method}
		rows = append(rows, db.TransactionEventRow{
			EventID:     tx.EventID,
			ProjectID:   tx.ProjectID,
			GroupID:     groupIDs[key],
			Transaction: tx.Transaction,
			DurationMs:  tx.DurationMs,
			Timestamp:   tx.Timestamp,
			Received:    tx.ReceivedAt,
			Tags:        tx.Tags,
			ReleaseID:   tx.ReleaseID,
		})
	}
	if err := p.store.BulkInsertTransactionEvents(ctx, rows); err != nil {
		return err
	}

	minuteCounts := aggregateGroupMinutes(batch, groupIDs)
	if err := p.store.BulkUpsertTransactionGroupAggregates(ctx, minuteCounts); err != nil {
		return err
	}

	projectCounts := aggregateTransactionProjectHours(batch)
	return p.store.BulkUpsertProjectHourlyTransactionStats(ctx, projectCounts)
}

func aggregateGroupMinutes(batch []*ResolvedTransaction, groupIDs map[db.TransactionGroupRow]int64) []db.TransactionGroupMinuteCount {
	type key struct {
		groupID int64
		minute  time.Time
	}
	type agg struct {
		count    int
		total    float64
		sumSq    float64
		orgID    int64
	}
	counts := make(map[key]*agg)
	order := make([]key, 0)
	for _, tx := range batch {
		gkey := db.TransactionGroupRow{ProjectID: tx.ProjectID, Transaction: tx.Transaction, Op: tx.Op, Method: tx.Method}
		k := key{groupID: groupIDs[gkey], minute: tx.ReceivedAt.Truncate(time.Minute)}
		a, ok := counts[k]
		if !ok {
			a = &agg{orgID: tx.OrganizationID}
			counts[k] = a
			order = append(order, k)
		}
		a.count++
		a.total += tx.DurationMs
		a.sumSq += tx.DurationMs * tx.DurationMs
	}
	out := make([]db.TransactionGroupMinuteCount, 0, len(order))
	for _, k := range order {
		a := counts[k]
		out = append(out, db.TransactionGroupMinuteCount{
			OrganizationID:       a.orgID,
			GroupID:              k.groupID,
			Minute:               k.minute,
			Count:                a.count,
			TotalDurationMs:      a.total,
			SumSquaresDurationMs: a.sumSq,
		})
	}
	return out
}

func aggregateTransactionProjectHours(batch []*ResolvedTransaction) []db.ProjectHourlyCount {
	type key struct {
		projectID int64
		hour      time.Time
	}
	counts := make(map[key]int)
	order := make([]key, 0)
	for _, tx := range batch {
		k := key{projectID: tx.ProjectID, hour: tx.ReceivedAt.Truncate(time.Hour)}
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

// Stats reports current throughput counters.
type TransactionStats struct {
	Received int64
	Written  int64
	Dropped  int64
	BufferLen int
}

func (p *TransactionPipeline) Stats() TransactionStats {
	return TransactionStats{
		Received:  atomic.LoadInt64(&p.received),
		Written:   atomic.LoadInt64(&p.written),
		Dropped:   atomic.LoadInt64(&p.dropped),
		BufferLen: len(p.txCh),
	}
}
