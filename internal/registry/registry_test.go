package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "profiles.json"), 10*time.Millisecond, zap.NewNop())
}

func profile(id, wallet string) *models.AgentProfile {
	return &models.AgentProfile{
		AgentID:       id,
		Name:          "The " + id,
		WalletAddress: wallet,
		Color:         "#aa33ff",
	}
}

func TestRegisterCreatesProfile(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Register(profile("fox", "0xWALLET_FOX_0001"), 1000)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.JoinedAt != 1000 || p.LastSeen != 1000 {
		t.Errorf("join bookkeeping wrong: %+v", p)
	}
	if !r.Exists("fox") {
		t.Error("profile should exist")
	}
}

func TestWalletValidation(t *testing.T) {
	cases := []struct {
		name   string
		wallet string
	}{
		{"empty", ""},
		{"too short", "0xSHORT"},
		{"too long", string(make([]byte, 200))},
		{"whitespace", "0xWALLET WITH SPACE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t)
			_, err := r.Register(profile("x", tc.wallet), 1000)
			ce := models.AsCommandError(err)
			if ce == nil || ce.Token != models.ErrWalletRequired {
				t.Fatalf("expected wallet_address_required, got %v", err)
			}
		})
	}
}

func TestReRegisterMergesIdentityOnly(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("fox", "0xWALLET_FOX_0001"), 1000)

	// the fox earns some scars
	r.MutateCombat("fox", func(c *models.CombatStats) { c.Kills = 3; c.Wins = 2 })

	updated := profile("fox", "0xWALLET_FOX_0001")
	updated.Name = "Sly Fox"
	updated.Bio = "reformed"
	p, err := r.Register(updated, 5000)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if p.Name != "Sly Fox" || p.Bio != "reformed" {
		t.Error("identity fields should merge")
	}
	if p.Combat.Kills != 3 || p.Combat.Wins != 2 {
		t.Errorf("combat stats must survive a re-register, got %+v", p.Combat)
	}
	if p.JoinedAt != 1000 {
		t.Errorf("joinedAt must not be overwritten, got %d", p.JoinedAt)
	}
}

func TestPermanentDeathBlocksReRegister(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("doomed", "0xWALLET_DOOMED_01"), 1000)
	r.MarkPermanentlyDead("doomed", 2000)

	_, err := r.Register(profile("doomed", "0xWALLET_DOOMED_01"), 3000)
	ce := models.AsCommandError(err)
	if ce == nil || ce.Token != models.ErrAgentDeadPermanent {
		t.Fatalf("expected agent_dead_permanent, got %v", err)
	}
	if !ce.Permanent {
		t.Error("permanent flag should be set")
	}

	if err := r.CheckAlive("doomed"); err == nil {
		t.Error("CheckAlive must reject the permanently dead")
	}
}

func TestPermanentDeathBlocksWalletHopping(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("doomed", "0xWALLET_SHARED_001"), 1000)
	r.MarkPermanentlyDead("doomed", 2000)

	// a brand-new id on the dead agent's wallet is still rejected
	_, err := r.Register(profile("phoenix", "0xWALLET_SHARED_001"), 3000)
	ce := models.AsCommandError(err)
	if ce == nil || ce.Token != models.ErrWalletDeadAgent {
		t.Fatalf("expected wallet_belongs_to_dead_agent, got %v", err)
	}
}

func TestReviveClearsCombat(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("lazarus", "0xWALLET_LAZARUS_1"), 1000)
	r.MarkPermanentlyDead("lazarus", 2000)

	if !r.Revive("lazarus") {
		t.Fatal("revive failed")
	}
	if err := r.CheckAlive("lazarus"); err != nil {
		t.Errorf("revived agent should act again: %v", err)
	}
	if _, err := r.Register(profile("lazarus", "0xWALLET_LAZARUS_1"), 3000); err != nil {
		t.Errorf("revived agent should re-register: %v", err)
	}
}

func TestReviveAll(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		r.Register(profile(id, "0xWALLET_"+id+"_00001"), 1000)
		r.MarkPermanentlyDead(id, 2000)
	}
	r.ReviveAll()
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := r.CheckAlive(id); err != nil {
			t.Errorf("%s should be revived: %v", id, err)
		}
	}
}

func TestGuiltNeverNegative(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("saint", "0xWALLET_SAINT_001"), 1000)
	r.MutateCombat("saint", func(c *models.CombatStats) { c.Guilt -= 5 })
	if p := r.Get("saint"); p.Combat.Guilt != 0 {
		t.Errorf("guilt must floor at 0, got %d", p.Combat.Guilt)
	}
}

func TestOnlineWindow(t *testing.T) {
	r := newTestRegistry(t)
	now := int64(10_000_000)
	r.Register(profile("here", "0xWALLET_HERE_0001"), now)
	r.Register(profile("gone", "0xWALLET_GONE_0001"), now-models.OnlineWindowMs-1)

	online := r.Online(now)
	if len(online) != 1 || online[0].AgentID != "here" {
		t.Fatalf("expected only the recent agent online, got %v", online)
	}
}

func TestSnapshotFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")

	r := New(path, 10*time.Millisecond, zap.NewNop())
	r.Start()
	r.Register(profile("persisted", "0xWALLET_PERSIST_1"), 1000)
	r.MutateCombat("persisted", func(c *models.CombatStats) { c.Kills = 7 })
	r.Stop() // flushes

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	var list []*models.AgentProfile
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("snapshot is not a profile list: %v", err)
	}
	if len(list) != 1 || list[0].AgentID != "persisted" || list[0].Combat.Kills != 7 {
		t.Fatalf("snapshot content wrong: %+v", list)
	}

	// a fresh registry over the same path sees the profile
	r2 := New(path, time.Second, zap.NewNop())
	if p := r2.Get("persisted"); p == nil || p.Combat.Kills != 7 {
		t.Fatalf("reload failed: %+v", p)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(profile("guarded", "0xWALLET_GUARD_001"), 1000)
	p := r.Get("guarded")
	p.Name = "tampered"
	p.Combat.Kills = 999
	if fresh := r.Get("guarded"); fresh.Name == "tampered" || fresh.Combat.Kills == 999 {
		t.Error("Get must hand out copies, not the live record")
	}
}
