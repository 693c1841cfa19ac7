package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/bets"
	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/phase"
	"github.com/openwalc/arena-server/internal/registry"
	"github.com/openwalc/arena-server/internal/relay"
	"github.com/openwalc/arena-server/internal/sim"
)

func newTestHandler(t *testing.T) (*Handler, *sim.Engine) {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(filepath.Join(t.TempDir(), "profiles.json"), time.Second, logger)
	engine := sim.NewEngine(reg, relay.Nop{}, sim.Options{
		RoomCapacity: 10,
		PhaseDurations: phase.Durations{
			Lobby:    240 * time.Hour,
			Battle:   240 * time.Hour,
			Showdown: 240 * time.Hour,
		},
	}, logger)
	h := New(Config{
		Engine:     engine,
		Registry:   reg,
		Bets:       bets.NewService(nil, logger),
		Logger:     logger,
		AdminToken: "letmein",
		PublicURL:  "http://localhost:8090",
	})
	return h, engine
}

func ipcCall(t *testing.T, h *Handler, command string, args any, headers map[string]string) map[string]any {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"command": command, "args": args})
	req := httptest.NewRequest(http.MethodPost, "/ipc", bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.IPC(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAutoConnectMintsAgentID(t *testing.T) {
	h, engine := newTestHandler(t)
	res := ipcCall(t, h, "auto-connect", map[string]any{
		"name":          "drifter",
		"walletAddress": "0xWALLET_DRIFTER_01",
	}, nil)

	if res["ok"] != true {
		t.Fatalf("auto-connect failed: %v", res)
	}
	profile := res["profile"].(map[string]any)
	if profile["agentId"] == "" {
		t.Fatal("server must mint an agent id")
	}
	if res["spawn"] == nil || res["ipcUrl"] == nil || res["previewUrl"] == nil || res["instructions"] == nil {
		t.Errorf("connect response incomplete: %v", res)
	}

	engine.Step()
	if engine.Position(profile["agentId"].(string)) == nil {
		t.Error("the new agent should be in the world after a tick")
	}
}

func TestRegisterRequiresWallet(t *testing.T) {
	h, _ := newTestHandler(t)
	res := ipcCall(t, h, "register", map[string]any{"agentId": "walletless"}, nil)
	if res["ok"] != false || res["error"] != models.ErrWalletRequired {
		t.Fatalf("expected wallet_address_required, got %v", res)
	}
}

func TestMoveInBattleRejected(t *testing.T) {
	h, engine := newTestHandler(t)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "ada", "walletAddress": "0xWALLET_ADA_00001", "x": 0.0, "z": 0.0,
	}, nil)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "bob", "walletAddress": "0xWALLET_BOB_00001", "x": 3.0, "z": 4.0,
	}, nil)
	engine.Step()
	engine.SurvivalStart(100, 0)
	engine.SetPhase(models.PhaseBattle)

	res := ipcCall(t, h, "world-battle-start", map[string]any{
		"agentId": "ada", "targetAgentId": "bob",
	}, nil)
	if res["ok"] != true {
		t.Fatalf("battle start failed: %v", res)
	}

	res = ipcCall(t, h, "world-move", map[string]any{
		"agentId": "ada", "x": 10.0, "y": 0.0, "z": 10.0, "rotation": 0.0,
	}, nil)
	if res["ok"] != false || res["error"] != models.ErrAgentInBattle {
		t.Fatalf("expected agent_in_battle, got %v", res)
	}
}

func TestInvalidActionRejected(t *testing.T) {
	h, engine := newTestHandler(t)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "dancer", "walletAddress": "0xWALLET_DANCE_001",
	}, nil)
	engine.Step()

	res := ipcCall(t, h, "world-action", map[string]any{"agentId": "dancer", "action": "moonwalk"}, nil)
	if res["ok"] != false || res["error"] != models.ErrInvalidArgs {
		t.Fatalf("expected invalid_args for unknown action, got %v", res)
	}

	res = ipcCall(t, h, "world-action", map[string]any{"agentId": "dancer", "action": "dance"}, nil)
	if res["ok"] != true {
		t.Fatalf("dance is a valid action: %v", res)
	}
}

func TestChatTruncatedTo500(t *testing.T) {
	h, engine := newTestHandler(t)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "orator", "walletAddress": "0xWALLET_ORATOR_01",
	}, nil)
	engine.Step()

	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	res := ipcCall(t, h, "world-chat", map[string]any{"agentId": "orator", "text": string(long)}, nil)
	if res["ok"] != true {
		t.Fatalf("overlong chat should be truncated, not rejected: %v", res)
	}
	engine.Step()
	events := engine.Events(0, 0, "")
	var chat *models.WorldMessage
	for _, ev := range events {
		if ev.WorldType == models.WorldChat {
			chat = ev
		}
	}
	if chat == nil || len(chat.Text) != models.MaxChatLen {
		t.Fatalf("chat should land truncated to 500, got %d", len(chat.Text))
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	res := ipcCall(t, h, "world-teleport", map[string]any{}, nil)
	if res["ok"] != false || res["error"] != models.ErrUnknownCommand {
		t.Fatalf("expected unknown_command, got %v", res)
	}
	if res["hint"] == nil {
		t.Error("unknown commands should hint at describe")
	}
}

func TestAdminRequiresToken(t *testing.T) {
	h, _ := newTestHandler(t)

	res := ipcCall(t, h, "admin-survival-start", map[string]any{"prizePoolUsd": 100.0}, nil)
	if res["ok"] != false || res["error"] != models.ErrUnauthorized {
		t.Fatalf("admin without token must fail, got %v", res)
	}

	res = ipcCall(t, h, "admin-survival-start", map[string]any{"prizePoolUsd": 100.0},
		map[string]string{"Authorization": "Bearer letmein"})
	if res["ok"] != true {
		t.Fatalf("admin with token should pass, got %v", res)
	}
}

func TestDescribeListsCommands(t *testing.T) {
	h, _ := newTestHandler(t)
	res := ipcCall(t, h, "describe", nil, nil)
	if res["ok"] != true {
		t.Fatalf("describe failed: %v", res)
	}
	cmds := res["commands"].([]any)
	if len(cmds) < 20 {
		t.Errorf("describe should list the full verb set, got %d", len(cmds))
	}
}

func TestWorldStateAndRoomInfo(t *testing.T) {
	h, engine := newTestHandler(t)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "resident", "walletAddress": "0xWALLET_RES_00001",
	}, nil)
	engine.Step()

	res := ipcCall(t, h, "world-state", nil, nil)
	if res["ok"] != true || len(res["agents"].([]any)) != 1 {
		t.Fatalf("world-state should list the resident, got %v", res)
	}

	res = ipcCall(t, h, "room-info", nil, nil)
	room := res["room"].(map[string]any)
	if room["tickRate"].(float64) != models.TickRate {
		t.Errorf("room info should carry the tick rate, got %v", room)
	}
}

func TestSurvivalStatusEnvelope(t *testing.T) {
	h, _ := newTestHandler(t)
	res := ipcCall(t, h, "survival-status", nil, nil)
	if res["ok"] != true {
		t.Fatalf("survival-status failed: %v", res)
	}
	sv := res["survival"].(map[string]any)
	if sv["status"] != models.SurvivalWaiting {
		t.Errorf("fresh server is waiting, got %v", sv["status"])
	}
}

func TestDeadAgentEnvelopeCarriesPermanent(t *testing.T) {
	h, engine := newTestHandler(t)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "ada", "walletAddress": "0xWALLET_ADA_00001", "x": 0.0, "z": 0.0,
	}, nil)
	ipcCall(t, h, "register", map[string]any{
		"agentId": "bob", "walletAddress": "0xWALLET_BOB_00001", "x": 3.0, "z": 4.0,
	}, nil)
	engine.Step()
	engine.SurvivalStart(100, 0)
	engine.SetPhase(models.PhaseBattle)

	start := ipcCall(t, h, "world-battle-start", map[string]any{"agentId": "ada", "targetAgentId": "bob"}, nil)
	battleID := start["battleId"].(string)
	for engine.InBattle("bob") {
		ipcCall(t, h, "world-battle-intent", map[string]any{"agentId": "ada", "battleId": battleID, "intent": "strike"}, nil)
		if !engine.InBattle("bob") {
			break
		}
		ipcCall(t, h, "world-battle-intent", map[string]any{"agentId": "bob", "battleId": battleID, "intent": "feint"}, nil)
	}

	res := ipcCall(t, h, "world-chat", map[string]any{"agentId": "bob", "text": "I live!"}, nil)
	if res["ok"] != false || res["error"] != models.ErrAgentDeadPermanent {
		t.Fatalf("expected agent_dead_permanent, got %v", res)
	}
	if res["permanent"] != true {
		t.Error("the envelope should flag permanence")
	}
}
