// Package queue validates and buffers inbound world messages between the
// transport goroutines and the tick loop. Rejections are the backpressure
// signal: agents that see rate_limited or queue_full are expected to slow
// down. The queue is not persistent; in-flight commands die with the process.
package queue

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

const obstacleClearance = 1.0

var (
	commandsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_commands_accepted_total",
		Help: "Total number of commands accepted into the queue",
	})

	commandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_commands_rejected_total",
		Help: "Total number of commands rejected at validation",
	}, []string{"reason"})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_command_queue_depth",
		Help: "Current depth of the command queue",
	})
)

// clock mints non-decreasing unix-millisecond timestamps. Two commands in the
// same millisecond get distinct, ordered stamps.
type clock struct {
	last int64
}

func (c *clock) now() int64 {
	t := time.Now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// Queue is the validated command buffer drained once per tick.
type Queue struct {
	mu        sync.Mutex
	pending   []*models.WorldMessage
	limiter   *slidingLimiter
	clock     clock
	obstacles []models.Obstacle
	capacity  int
	lastSweep int64
	logger    *zap.SugaredLogger
}

func New(logger *zap.Logger) *Queue {
	return &Queue{
		pending:  make([]*models.WorldMessage, 0, 256),
		limiter:  newSlidingLimiter(),
		capacity: models.QueueCapacity,
		logger:   logger.Sugar(),
	}
}

// SetObstacles installs the static geometry used for collision rejection.
func (q *Queue) SetObstacles(obstacles []models.Obstacle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.obstacles = append([]models.Obstacle(nil), obstacles...)
}

// rateLimited reports whether the message class counts against the window.
func rateLimited(t models.WorldType) bool {
	switch t {
	case models.WorldPosition, models.WorldAction, models.WorldChat, models.WorldEmote:
		return true
	}
	return false
}

// Enqueue validates and stages one agent-originated message. On success the
// server-assigned timestamp is already set on the message.
func (q *Queue) Enqueue(msg *models.WorldMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.validateLocked(msg); err != nil {
		commandsRejected.WithLabelValues(err.Token).Inc()
		return err
	}

	msg.Timestamp = q.clock.now()
	q.pending = append(q.pending, msg)
	commandsAccepted.Inc()
	queueDepthGauge.Set(float64(len(q.pending)))
	return nil
}

// EnqueueInternal stages a server-minted message. It bypasses the rate
// limiter and content checks but still honors capacity; the caller owns
// correctness of the payload. A positive tsFloor forces the stamp past it
// (used for the deferred leave after a permanent death).
func (q *Queue) EnqueueInternal(msg *models.WorldMessage, tsFloor int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.capacity {
		commandsRejected.WithLabelValues(models.ErrQueueFull).Inc()
		return models.NewCommandError(models.ErrQueueFull)
	}
	ts := q.clock.now()
	if ts <= tsFloor {
		ts = tsFloor + 1
		q.clock.last = ts
	}
	msg.Timestamp = ts
	q.pending = append(q.pending, msg)
	queueDepthGauge.Set(float64(len(q.pending)))
	return nil
}

func (q *Queue) validateLocked(msg *models.WorldMessage) *models.CommandError {
	if msg.AgentID == "" {
		return models.NewCommandError(models.ErrInvalidAgentID)
	}
	if msg.Timestamp < 0 {
		return models.NewCommandError(models.ErrInvalidTimestamp)
	}
	if len(q.pending) >= q.capacity {
		return models.NewCommandError(models.ErrQueueFull)
	}

	now := time.Now().UnixMilli()
	if now-q.lastSweep > bucketIdleMs {
		q.limiter.sweep(now)
		q.lastSweep = now
	}
	if rateLimited(msg.WorldType) && !q.limiter.allow(msg.AgentID, now) {
		return &models.CommandError{
			Token:        models.ErrRateLimited,
			RetryAfterMs: limitWindowMs,
			Hint:         "slow down: 20 commands per second per agent",
		}
	}

	switch msg.WorldType {
	case models.WorldPosition:
		return q.validatePositionLocked(msg)
	case models.WorldJoin:
		if msg.HasSpawn {
			// explicit spawns are clamped later, but still must be finite
			if !isFinite(msg.X) || !isFinite(msg.Z) || !isFinite(msg.Rotation) {
				return models.NewCommandError(models.ErrInvalidPosition)
			}
		}
	case models.WorldChat, models.WorldWhisper:
		if msg.Text == "" {
			return models.NewCommandError(models.ErrInvalidText)
		}
		if len(msg.Text) > models.MaxChatLen {
			return models.NewCommandError(models.ErrTextTooLong)
		}
	}
	return nil
}

func (q *Queue) validatePositionLocked(msg *models.WorldMessage) *models.CommandError {
	if !isFinite(msg.X) || !isFinite(msg.Y) || !isFinite(msg.Z) || !isFinite(msg.Rotation) {
		return models.NewCommandError(models.ErrInvalidPosition)
	}
	if math.Abs(msg.X) > models.HalfWorld || math.Abs(msg.Z) > models.HalfWorld {
		return models.NewCommandError(models.ErrOutOfBounds)
	}
	for _, ob := range q.obstacles {
		dx, dz := msg.X-ob.X, msg.Z-ob.Z
		min := ob.Radius + obstacleClearance
		if dx*dx+dz*dz < min*min {
			return models.NewCommandError(models.ErrCollision)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Drain returns all pending messages in enqueue order and clears the buffer.
// Called once per tick by the scheduler.
func (q *Queue) Drain() []*models.WorldMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = make([]*models.WorldMessage, 0, 256)
	queueDepthGauge.Set(0)
	return out
}

// PruneAgent drops pending messages and the rate bucket for a leaving agent.
func (q *Queue) PruneAgent(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, m := range q.pending {
		if m.AgentID != agentID {
			kept = append(kept, m)
		}
	}
	q.pending = kept
	q.limiter.drop(agentID)
	queueDepthGauge.Set(float64(len(q.pending)))
}

// Depth returns the number of staged messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Now exposes the queue's monotonic clock for components that mint event
// timestamps outside the enqueue path.
func (q *Queue) Now() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock.now()
}
