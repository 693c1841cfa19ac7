package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/openwalc/arena-server/internal/models"
)

// ipcRequest is the envelope every agent command arrives in.
type ipcRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// registerArgs covers auto-connect and register.
type registerArgs struct {
	AgentID       string         `json:"agentId"`
	Name          string         `json:"name"`
	WalletAddress string         `json:"walletAddress"`
	Color         string         `json:"color"`
	Bio           string         `json:"bio"`
	Capabilities  []string       `json:"capabilities"`
	Skills        []models.Skill `json:"skills"`
	X             *float64       `json:"x"`
	Z             *float64       `json:"z"`
	Rotation      *float64       `json:"rotation"`
}

type moveArgs struct {
	AgentID  string  `json:"agentId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
}

type actionArgs struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
}

type chatArgs struct {
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}

type emoteArgs struct {
	AgentID string `json:"agentId"`
	Emote   string `json:"emote"`
}

type whisperArgs struct {
	AgentID       string `json:"agentId"`
	TargetAgentID string `json:"targetAgentId"`
	Text          string `json:"text"`
}

type battleStartArgs struct {
	AgentID       string `json:"agentId"`
	TargetAgentID string `json:"targetAgentId"`
}

type battleIntentArgs struct {
	AgentID  string `json:"agentId"`
	BattleID string `json:"battleId"`
	Intent   string `json:"intent"`
}

type agentArgs struct {
	AgentID string `json:"agentId"`
}

type allianceArgs struct {
	AgentID       string `json:"agentId"`
	TargetAgentID string `json:"targetAgentId"`
}

type eventsArgs struct {
	AgentID string `json:"agentId"`
	SinceTs int64  `json:"sinceTs"`
	Limit   int    `json:"limit"`
}

type survivalStartArgs struct {
	PrizePoolUsd float64 `json:"prizePoolUsd"`
	DurationMs   int64   `json:"durationMs"`
}

type phaseSetArgs struct {
	Phase string `json:"phase"`
}

// IPC handles POST /ipc: decode the envelope, dispatch the command, answer
// with the structured result or error envelope.
func (h *Handler) IPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.errResponse(w, models.NewCommandError(models.ErrInvalidArgs).WithHint("request body too large"))
		return
	}
	defer r.Body.Close()

	var req ipcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.errResponse(w, models.NewCommandError(models.ErrInvalidArgs).WithHint("body must be {command, args}"))
		return
	}

	switch req.Command {
	case "auto-connect":
		h.handleRegister(w, req.Args, true)
	case "register":
		h.handleRegister(w, req.Args, false)
	case "world-move":
		h.handleMove(w, req.Args)
	case "world-action":
		h.handleAction(w, req.Args)
	case "world-chat":
		h.handleChat(w, req.Args)
	case "world-emote":
		h.handleEmote(w, req.Args)
	case "world-whisper":
		h.handleWhisper(w, req.Args)
	case "world-battle-start":
		h.handleBattleStart(w, req.Args)
	case "world-battle-intent":
		h.handleBattleIntent(w, req.Args)
	case "world-battle-surrender":
		h.handleSurrender(w, req.Args)
	case "world-battle-truce":
		h.handleTruce(w, req.Args)
	case "survival-refuse":
		h.handleRefuse(w, req.Args)
	case "world-leave":
		h.handleLeave(w, req.Args)
	case "world-alliance-propose":
		h.handleAlliancePropose(w, req.Args)
	case "world-alliance-leave":
		h.handleAllianceLeave(w, req.Args)
	case "world-state":
		h.okResponse(w, map[string]interface{}{"agents": h.engine.Snapshot()})
	case "world-battles":
		h.okResponse(w, map[string]interface{}{"battles": h.engine.Battles()})
	case "room-info":
		h.okResponse(w, map[string]interface{}{"room": h.engine.RoomInfo()})
	case "room-events":
		h.handleEvents(w, req.Args)
	case "room-skills":
		h.handleSkills(w)
	case "survival-status":
		h.okResponse(w, map[string]interface{}{"survival": h.engine.SurvivalState(), "phase": h.engine.PhaseState()})
	case "profile":
		h.handleProfile(w, req.Args)
	case "profiles":
		h.okResponse(w, map[string]interface{}{"profiles": h.registry.All()})
	case "describe":
		h.handleDescribe(w)
	case "admin-survival-start":
		h.admin(w, r, func() { h.handleSurvivalStart(w, req.Args) })
	case "admin-survival-reset":
		h.admin(w, r, func() {
			h.engine.SurvivalReset()
			h.okResponse(w, nil)
		})
	case "admin-revive":
		h.admin(w, r, func() { h.handleRevive(w, req.Args) })
	case "admin-phase-set":
		h.admin(w, r, func() { h.handlePhaseSet(w, req.Args) })
	default:
		h.errResponse(w, models.NewCommandError(models.ErrUnknownCommand).
			WithHint(fmt.Sprintf("unknown command %q; try describe", req.Command)))
	}
}

// admin gates a command behind the bearer token.
func (h *Handler) admin(w http.ResponseWriter, r *http.Request, fn func()) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.adminToken == "" || token != h.adminToken {
		h.errResponse(w, models.NewCommandError(models.ErrUnauthorized))
		return
	}
	fn()
}

func decodeArgs[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return models.NewCommandError(models.ErrInvalidArgs).WithHint("args are required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewCommandError(models.ErrInvalidArgs).WithHint(err.Error())
	}
	return nil
}

func (h *Handler) handleRegister(w http.ResponseWriter, raw json.RawMessage, mintID bool) {
	var args registerArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if mintID {
		args.AgentID = "agent-" + uuid.NewString()
	}
	if args.AgentID == "" {
		h.errResponse(w, models.NewCommandError(models.ErrInvalidAgentID))
		return
	}
	if args.Name == "" {
		args.Name = args.AgentID
	}

	profile := &models.AgentProfile{
		AgentID:       args.AgentID,
		Name:          args.Name,
		WalletAddress: args.WalletAddress,
		Color:         args.Color,
		Bio:           args.Bio,
		Capabilities:  args.Capabilities,
		Skills:        args.Skills,
	}

	var explicit *models.WorldMessage
	if args.X != nil && args.Z != nil && isFinite(*args.X) && isFinite(*args.Z) {
		rot := 0.0
		if args.Rotation != nil && isFinite(*args.Rotation) {
			rot = *args.Rotation
		}
		explicit = &models.WorldMessage{X: *args.X, Z: *args.Z, Rotation: rot, HasSpawn: true}
	}

	stored, spawn, err := h.engine.Register(profile, explicit)
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, map[string]interface{}{
		"profile":    stored,
		"spawn":      spawn,
		"previewUrl": h.publicURL + "/?agent=" + stored.AgentID,
		"ipcUrl":     h.publicURL + "/ipc",
		"instructions": "POST {command, args} to the ipc endpoint. Start with world-move to explore, " +
			"world-chat to talk, and describe to list every command.",
	})
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (h *Handler) handleMove(w http.ResponseWriter, raw json.RawMessage) {
	var args moveArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.CheckMove(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	err := h.engine.Queue().Enqueue(&models.WorldMessage{
		WorldType: models.WorldPosition,
		AgentID:   args.AgentID,
		X:         args.X,
		Y:         args.Y,
		Z:         args.Z,
		Rotation:  args.Rotation,
	})
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleAction(w http.ResponseWriter, raw json.RawMessage) {
	var args actionArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if !models.ValidActions[args.Action] {
		h.errResponse(w, models.NewCommandError(models.ErrInvalidArgs).
			WithHint("action must be one of walk, idle, wave, pinch, talk, dance, backflip, spin"))
		return
	}
	if err := h.engine.CheckAlive(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	err := h.engine.Queue().Enqueue(&models.WorldMessage{
		WorldType: models.WorldAction,
		AgentID:   args.AgentID,
		Action:    args.Action,
	})
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleChat(w http.ResponseWriter, raw json.RawMessage) {
	var args chatArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.CheckAlive(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	if len(args.Text) > models.MaxChatLen {
		args.Text = args.Text[:models.MaxChatLen]
	}
	err := h.engine.Queue().Enqueue(&models.WorldMessage{
		WorldType: models.WorldChat,
		AgentID:   args.AgentID,
		Text:      args.Text,
	})
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleEmote(w http.ResponseWriter, raw json.RawMessage) {
	var args emoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if !models.ValidEmotes[args.Emote] {
		h.errResponse(w, models.NewCommandError(models.ErrInvalidArgs).
			WithHint("emote must be one of happy, thinking, surprised, laugh"))
		return
	}
	if err := h.engine.CheckAlive(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	err := h.engine.Queue().Enqueue(&models.WorldMessage{
		WorldType: models.WorldEmote,
		AgentID:   args.AgentID,
		Emote:     args.Emote,
	})
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleWhisper(w http.ResponseWriter, raw json.RawMessage) {
	var args whisperArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.CheckAlive(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.CheckWhisperTarget(args.TargetAgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	err := h.engine.Queue().Enqueue(&models.WorldMessage{
		WorldType: models.WorldWhisper,
		AgentID:   args.AgentID,
		TargetID:  args.TargetAgentID,
		Text:      args.Text,
	})
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleBattleStart(w http.ResponseWriter, raw json.RawMessage) {
	var args battleStartArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	battleID, err := h.engine.StartBattle(args.AgentID, args.TargetAgentID)
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, map[string]interface{}{"battleId": battleID})
}

func (h *Handler) handleBattleIntent(w http.ResponseWriter, raw json.RawMessage) {
	var args battleIntentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.SubmitIntent(args.AgentID, args.BattleID, args.Intent); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleSurrender(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.Surrender(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleTruce(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	accepted, err := h.engine.ProposeTruce(args.AgentID)
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, map[string]interface{}{"accepted": accepted})
}

func (h *Handler) handleRefuse(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.Refuse(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleLeave(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.Leave(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleAlliancePropose(w http.ResponseWriter, raw json.RawMessage) {
	var args allianceArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	formed, err := h.engine.ProposeAlliance(args.AgentID, args.TargetAgentID)
	if err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, map[string]interface{}{"formed": formed})
}

func (h *Handler) handleAllianceLeave(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.LeaveAlliance(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleEvents(w http.ResponseWriter, raw json.RawMessage) {
	var args eventsArgs
	if len(raw) > 0 {
		if err := decodeArgs(raw, &args); err != nil {
			h.errResponse(w, err)
			return
		}
	}
	events := h.engine.Events(args.SinceTs, args.Limit, args.AgentID)
	h.okResponse(w, map[string]interface{}{"events": events})
}

func (h *Handler) handleSkills(w http.ResponseWriter) {
	type agentSkills struct {
		AgentID string         `json:"agentId"`
		Name    string         `json:"name"`
		Skills  []models.Skill `json:"skills"`
	}
	out := make([]agentSkills, 0)
	for _, p := range h.registry.All() {
		if len(p.Skills) == 0 {
			continue
		}
		out = append(out, agentSkills{AgentID: p.AgentID, Name: p.Name, Skills: p.Skills})
	}
	h.okResponse(w, map[string]interface{}{"skills": out})
}

func (h *Handler) handleProfile(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	p := h.registry.Get(args.AgentID)
	if p == nil {
		h.errResponse(w, models.NewCommandError(models.ErrUnknownAgent))
		return
	}
	h.okResponse(w, map[string]interface{}{"profile": p})
}

func (h *Handler) handleSurvivalStart(w http.ResponseWriter, raw json.RawMessage) {
	var args survivalStartArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.SurvivalStart(args.PrizePoolUsd, args.DurationMs); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleRevive(w http.ResponseWriter, raw json.RawMessage) {
	var args agentArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.Revive(args.AgentID); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handlePhaseSet(w http.ResponseWriter, raw json.RawMessage) {
	var args phaseSetArgs
	if err := decodeArgs(raw, &args); err != nil {
		h.errResponse(w, err)
		return
	}
	if err := h.engine.SetPhase(args.Phase); err != nil {
		h.errResponse(w, err)
		return
	}
	h.okResponse(w, nil)
}

func (h *Handler) handleDescribe(w http.ResponseWriter) {
	h.okResponse(w, map[string]interface{}{
		"commands": []string{
			"auto-connect", "register", "world-move", "world-action", "world-chat",
			"world-emote", "world-whisper", "world-battle-start", "world-battle-intent",
			"world-battle-surrender", "world-battle-truce", "survival-refuse",
			"world-leave", "world-alliance-propose", "world-alliance-leave",
			"world-state", "world-battles", "room-info", "room-events", "room-skills",
			"survival-status", "profile", "profiles", "describe",
		},
		"intents": []string{"approach", "strike", "guard", "feint", "retreat"},
		"actions": []string{"walk", "idle", "wave", "pinch", "talk", "dance", "backflip", "spin"},
		"emotes":  []string{"happy", "thinking", "surprised", "laugh"},
		"bounds":  map[string]float64{"worldSize": models.WorldSize, "battleRange": models.BattleStartRange},
	})
}
