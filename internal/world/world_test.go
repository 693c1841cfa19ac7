package world

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/registry"
)

func newTestState(t *testing.T) (*State, *registry.Registry) {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "profiles.json"), time.Second, zap.NewNop())
	return NewState(reg, zap.NewNop()), reg
}

func registerAgent(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, err := reg.Register(&models.AgentProfile{
		AgentID:       id,
		Name:          id,
		WalletAddress: "0xWALLET_" + id + "_PADDING",
	}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func joinMsg(id string, ts int64) *models.WorldMessage {
	return &models.WorldMessage{
		WorldType: models.WorldJoin,
		AgentID:   id,
		Timestamp: ts,
		Profile: &models.AgentProfile{
			AgentID:       id,
			Name:          id,
			WalletAddress: "0xWALLET_" + id + "_PADDING",
		},
	}
}

func TestJoinWithoutCoordsSpawnsInDisc(t *testing.T) {
	s, _ := newTestState(t)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("spawned-%d", i)
		s.Apply(joinMsg(id, int64(1000+i)))
		p := s.Position(id)
		if p == nil {
			t.Fatalf("%s has no position after join", id)
		}
		if r := math.Sqrt(p.X*p.X + p.Z*p.Z); r > models.SpawnRadius+0.01 {
			t.Errorf("%s spawned at radius %.2f, outside the spawn disc", id, r)
		}
		if s.Action(id) != "idle" {
			t.Errorf("%s should start idle, got %q", id, s.Action(id))
		}
	}
}

func TestJoinIdempotentPosition(t *testing.T) {
	s, _ := newTestState(t)
	s.Apply(joinMsg("sticky", 1000))
	first := *s.Position("sticky")

	s.Apply(joinMsg("sticky", 2000))
	second := s.Position("sticky")
	if second.X != first.X || second.Z != first.Z {
		t.Errorf("a second join must not move the agent: %v -> %v", first, *second)
	}
}

func TestJoinExplicitCoordsClamped(t *testing.T) {
	s, _ := newTestState(t)
	msg := joinMsg("pinned", 1000)
	msg.X, msg.Z, msg.Rotation = 400, -400, 1.5
	msg.HasSpawn = true
	s.Apply(msg)

	p := s.Position("pinned")
	limit := models.HalfWorld - 6
	if p.X != limit || p.Z != -limit {
		t.Errorf("explicit spawn should clamp to the island interior, got (%v, %v)", p.X, p.Z)
	}
	if p.Rotation != 1.5 {
		t.Errorf("rotation should be used verbatim, got %v", p.Rotation)
	}
}

func TestSpawnAvoidsCrowding(t *testing.T) {
	s, _ := newTestState(t)
	for i := 0; i < 30; i++ {
		s.Apply(joinMsg(fmt.Sprintf("crowd-%d", i), int64(1000+i)))
	}
	positions := s.Positions()
	for a, pa := range positions {
		for b, pb := range positions {
			if a >= b {
				continue
			}
			dx, dz := pa.X-pb.X, pa.Z-pb.Z
			if d := math.Sqrt(dx*dx + dz*dz); d < 0.5 {
				t.Errorf("%s and %s stacked at distance %.2f", a, b, d)
			}
		}
	}
}

func TestLeaveRemovesLiveState(t *testing.T) {
	s, _ := newTestState(t)
	s.Apply(joinMsg("goner", 1000))
	s.Apply(&models.WorldMessage{WorldType: models.WorldLeave, AgentID: "goner", Timestamp: 2000})

	if s.Position("goner") != nil {
		t.Error("leave must delete the position")
	}
	if s.Action("goner") != "" {
		t.Error("leave must delete the action")
	}
}

func TestPositionApplyUpdatesBounds(t *testing.T) {
	s, _ := newTestState(t)
	s.Apply(joinMsg("mover", 1000))
	s.Apply(&models.WorldMessage{
		WorldType: models.WorldPosition,
		AgentID:   "mover",
		X:         12, Y: 0, Z: -7, Rotation: 0.5,
		Timestamp: 1100,
	})
	p := s.Position("mover")
	if p.X != 12 || p.Z != -7 {
		t.Errorf("position overwrite failed: %+v", p)
	}
}

func TestEventRingWraparound(t *testing.T) {
	s, _ := newTestState(t)
	s.Apply(joinMsg("chatty", 1))

	total := models.EventRingSize + 50
	for i := 0; i < total; i++ {
		s.Apply(&models.WorldMessage{
			WorldType: models.WorldChat,
			AgentID:   "chatty",
			Text:      fmt.Sprintf("line %d", i),
			Timestamp: int64(1000 + i),
		})
	}

	events := s.GetEvents(0, 0, "")
	if len(events) != models.EventRingSize {
		t.Fatalf("ring holds %d events, got %d", models.EventRingSize, len(events))
	}
	// the oldest surviving event is the one written at total-ringSize
	first := events[0]
	if first.Timestamp != int64(1000+total-models.EventRingSize) {
		t.Errorf("oldest event should be the wrap survivor, got ts=%d", first.Timestamp)
	}
	// oldest to newest
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Fatal("ring scan must run oldest to newest")
		}
	}
}

func TestGetEventsSinceAndLimit(t *testing.T) {
	s, _ := newTestState(t)
	for i := 0; i < 10; i++ {
		s.Apply(&models.WorldMessage{
			WorldType: models.WorldChat,
			AgentID:   "talker",
			Text:      "x",
			Timestamp: int64(1000 + i),
		})
	}
	since := s.GetEvents(1004, 0, "")
	if len(since) != 5 {
		t.Errorf("expected 5 events after ts=1004, got %d", len(since))
	}
	limited := s.GetEvents(0, 3, "")
	if len(limited) != 3 {
		t.Errorf("limit should clamp to 3, got %d", len(limited))
	}
	// clamping keeps the newest
	if limited[len(limited)-1].Timestamp != 1009 {
		t.Errorf("limit should keep the newest events, got last ts=%d", limited[len(limited)-1].Timestamp)
	}
}

func TestWhispersStayOutOfPublicRing(t *testing.T) {
	s, _ := newTestState(t)
	s.Apply(&models.WorldMessage{
		WorldType: models.WorldWhisper,
		AgentID:   "secretive",
		TargetID:  "confidant",
		Text:      "the zone shrinks at dawn",
		Timestamp: 5000,
	})

	if got := s.GetEvents(0, 0, ""); len(got) != 0 {
		t.Fatalf("whispers must never appear in the public feed, got %d", len(got))
	}
	if got := s.GetEvents(0, 0, "stranger"); len(got) != 0 {
		t.Fatalf("whispers must not leak to third parties, got %d", len(got))
	}
	for _, id := range []string{"secretive", "confidant"} {
		got := s.GetEvents(0, 0, id)
		if len(got) != 1 || got[0].Text != "the zone shrinks at dawn" {
			t.Errorf("%s should see the whisper, got %v", id, got)
		}
	}
}

func TestSnapshotOnlineWindow(t *testing.T) {
	s, reg := newTestState(t)
	now := time.Now().UnixMilli()

	s.Apply(joinMsg("fresh", now))
	s.Apply(joinMsg("stale", now))
	// push the stale agent's lastSeen past the online window
	reg.Touch("stale", now-models.OnlineWindowMs-1000)
	reg.Touch("fresh", now)

	snap := s.Snapshot(now, nil)
	names := map[string]bool{}
	for _, a := range snap {
		names[a.AgentID] = true
	}
	if !names["fresh"] {
		t.Error("recently seen agent missing from snapshot")
	}
	if names["stale"] {
		t.Error("agent unseen for over 5 minutes must drop from snapshot")
	}
}

func TestSpawnReservationExpiry(t *testing.T) {
	sp := newSpawner(1)
	now := int64(10_000)
	sp.reserve(5, 5, now)
	if len(sp.reservations) != 1 {
		t.Fatal("reservation not stored")
	}
	sp.expire(now + spawnReservationMs - 1)
	if len(sp.reservations) != 1 {
		t.Fatal("reservation expired early")
	}
	sp.expire(now + spawnReservationMs + 1)
	if len(sp.reservations) != 0 {
		t.Fatal("reservation should expire after 20s")
	}
}

func TestSpawnFallbackAnnulus(t *testing.T) {
	sp := newSpawner(7)
	// a giant obstacle covering the whole spawn disc forces the fallback
	obstacles := []models.Obstacle{{X: 0, Z: 0, Radius: models.SpawnRadius + 10}}
	msg := &models.WorldMessage{WorldType: models.WorldJoin, AgentID: "edge-case"}
	x, z, _ := sp.pick(msg, nil, obstacles, 1000)
	r := math.Sqrt(x*x + z*z)
	if r < fallbackInner-0.01 || r > fallbackOuter+0.01 {
		t.Errorf("fallback spawn should land in the [12,22] annulus, got radius %.2f", r)
	}
}
