package sim

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/phase"
	"github.com/openwalc/arena-server/internal/registry"
	"github.com/openwalc/arena-server/internal/relay"
)

func TestSchedulerDrivesTicks(t *testing.T) {
	reg := registry.New(filepath.Join(t.TempDir(), "profiles.json"), time.Second, zap.NewNop())
	e := NewEngine(reg, relay.Nop{}, Options{
		PhaseDurations: phase.Durations{Lobby: time.Hour, Battle: time.Hour, Showdown: time.Hour},
	}, zap.NewNop())

	var hookTicks int
	e.AddTickHook(func(int64) { hookTicks++ })

	s := NewScheduler(e, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop with its context")
	}
	// 300ms at 20Hz is ~6 ticks; allow generous slack for CI jitter
	if hookTicks < 2 {
		t.Errorf("expected several ticks, got %d", hookTicks)
	}
}
