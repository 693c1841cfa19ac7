package worker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

func TestEnqueueTickSkipsTransientAndWhispers(t *testing.T) {
	pool := NewPool(PoolConfig{QueueSize: 100, Logger: zap.NewNop()})

	events := []*models.WorldMessage{
		{WorldType: models.WorldPosition, AgentID: "a", Timestamp: 1},
		{WorldType: models.WorldAction, AgentID: "a", Timestamp: 2},
		{WorldType: models.WorldWhisper, AgentID: "a", TargetID: "b", Text: "psst", Timestamp: 3},
		{WorldType: models.WorldChat, AgentID: "a", Text: "hello", Timestamp: 4},
		{WorldType: models.WorldBattle, AgentID: "a", Timestamp: 5,
			Battle: &models.BattleEvent{BattleID: "b1", Phase: models.BattlePhaseStarted}},
	}
	pool.EnqueueTick("round-1", events)

	if got := pool.QueueDepth(); got != 2 {
		t.Fatalf("only chat and battle persist, got %d rows", got)
	}
}

func TestLoadSheddingOnFullQueue(t *testing.T) {
	pool := NewPool(PoolConfig{QueueSize: 1, Logger: zap.NewNop()})

	events := []*models.WorldMessage{
		{WorldType: models.WorldChat, AgentID: "a", Text: "1", Timestamp: 1},
		{WorldType: models.WorldChat, AgentID: "a", Text: "2", Timestamp: 2},
	}
	// must not block even though only one row fits
	done := make(chan struct{})
	go func() {
		pool.EnqueueTick("round-1", events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnqueueTick must never block the tick thread")
	}
	if got := pool.QueueDepth(); got != 1 {
		t.Errorf("expected 1 queued row after shedding, got %d", got)
	}
}

func TestStartStopWithoutStore(t *testing.T) {
	pool := NewPool(PoolConfig{QueueSize: 10, BatchSize: 2, FlushInterval: 10 * time.Millisecond, Logger: zap.NewNop()})
	pool.Start(context.Background())

	pool.EnqueueTick("round-1", []*models.WorldMessage{
		{WorldType: models.WorldChat, AgentID: "a", Text: "x", Timestamp: 1},
		{WorldType: models.WorldChat, AgentID: "a", Text: "y", Timestamp: 2},
		{WorldType: models.WorldChat, AgentID: "a", Text: "z", Timestamp: 3},
	})
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	if got := pool.QueueDepth(); got != 0 {
		t.Errorf("stop should flush the queue, got %d", got)
	}
}
