// Package worker implements the buffered worker pool that writes the event
// batch through to ClickHouse. This decouples the tick loop from database
// writes, providing:
// - Backpressure handling via load shedding
// - Batch inserts for efficient ClickHouse writes
// - Graceful shutdown with flush guarantees
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

// Prometheus metrics
var (
	eventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_persist_events_enqueued_total",
		Help: "Total number of events enqueued for persistence",
	})

	eventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_persist_events_written_total",
		Help: "Total number of events written to ClickHouse",
	})

	eventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_persist_events_failed_total",
		Help: "Total number of events that failed persistence",
	})

	eventsLoadShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_persist_events_load_shed_total",
		Help: "Total number of events dropped due to load shedding",
	})

	batchInsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_persist_batch_duration_seconds",
		Help:    "Duration of batch inserts to ClickHouse",
		Buckets: prometheus.DefBuckets,
	})
)

// PoolConfig configures the persister pool.
type PoolConfig struct {
	WorkerCount   int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	ClickHouse    driver.Conn
	Logger        *zap.Logger
}

// Pool batches persisted events into ClickHouse inserts.
type Pool struct {
	config   PoolConfig
	jobQueue chan models.PersistedEvent
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.SugaredLogger
}

// NewPool creates a persister pool. A nil ClickHouse conn turns the pool
// into a counting no-op so development runs stay standalone.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Pool{
		config:   cfg,
		jobQueue: make(chan models.PersistedEvent, cfg.QueueSize),
		logger:   cfg.Logger.Sugar(),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Infow("Persister pool started",
		"workers", p.config.WorkerCount,
		"queueSize", p.config.QueueSize,
		"batchSize", p.config.BatchSize,
	)
}

// Stop gracefully shuts down the pool, flushing pending batches.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	close(p.jobQueue)
	p.wg.Wait()
	p.logger.Info("Persister pool stopped")
}

// EnqueueTick converts a tick's event batch and stages it. Never blocks:
// events that do not fit are shed and counted.
func (p *Pool) EnqueueTick(roundID string, events []*models.WorldMessage) {
	// protect against a send racing the queue close during shutdown
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warnw("Failed to enqueue events (pool stopped)", "error", r)
		}
	}()
	for _, ev := range events {
		if ev.IsTransient() || ev.WorldType == models.WorldWhisper {
			continue
		}
		payload, _ := json.Marshal(ev)
		row := models.PersistedEvent{
			RoundID:       roundID,
			EventType:     string(ev.WorldType),
			AgentID:       ev.AgentID,
			TargetAgentID: ev.TargetID,
			Payload:       string(payload),
			Timestamp:     ev.Timestamp,
		}
		select {
		case p.jobQueue <- row:
			eventsEnqueued.Inc()
		default:
			eventsLoadShed.Inc()
		}
	}
}

// QueueDepth returns the current queue size.
func (p *Pool) QueueDepth() int {
	return len(p.jobQueue)
}

// worker accumulates rows and flushes on batch size or interval.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	batch := make([]models.PersistedEvent, 0, p.config.BatchSize)
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := p.writeBatch(batch); err != nil {
			p.logger.Errorw("Batch write failed", "worker", id, "batchSize", len(batch), "error", err)
			eventsFailed.Add(float64(len(batch)))
		} else {
			eventsPersisted.Add(float64(len(batch)))
		}
		batchInsertDuration.Observe(time.Since(start).Seconds())
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-p.jobQueue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, row)
			if len(batch) >= p.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.ctx.Done():
			flush()
			return
		}
	}
}

func (p *Pool) writeBatch(batch []models.PersistedEvent) error {
	if p.config.ClickHouse == nil {
		return nil
	}
	ctx := context.Background()
	chBatch, err := p.config.ClickHouse.PrepareBatch(ctx, `
		INSERT INTO arena.world_events (
			round_id, event_type, agent_id, target_agent_id, payload, timestamp
		)
	`)
	if err != nil {
		return err
	}
	for _, row := range batch {
		if err := chBatch.Append(
			row.RoundID,
			row.EventType,
			row.AgentID,
			row.TargetAgentID,
			row.Payload,
			time.UnixMilli(row.Timestamp),
		); err != nil {
			p.logger.Warnw("Failed to append event to batch", "error", err, "event_type", row.EventType)
			continue
		}
	}
	return chBatch.Send()
}
