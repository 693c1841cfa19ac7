// Package handlers translates external agent verbs into engine calls and
// enqueued world messages. Everything crossing this boundary is validated
// into typed records; the core never sees a raw map.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/bets"
	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/observer"
	"github.com/openwalc/arena-server/internal/registry"
	"github.com/openwalc/arena-server/internal/sim"
)

// MaxBodySize limits the size of IPC request bodies to 256KB
const MaxBodySize = 262144

type Config struct {
	Engine     *sim.Engine
	Registry   *registry.Registry
	Bets       *bets.Service
	Bridge     *observer.Bridge
	Logger     *zap.Logger
	AdminToken string
	PublicURL  string
}

type Handler struct {
	engine     *sim.Engine
	registry   *registry.Registry
	bets       *bets.Service
	bridge     *observer.Bridge
	logger     *zap.SugaredLogger
	adminToken string
	publicURL  string
}

func New(cfg Config) *Handler {
	return &Handler{
		engine:     cfg.Engine,
		registry:   cfg.Registry,
		bets:       cfg.Bets,
		bridge:     cfg.Bridge,
		logger:     cfg.Logger.Sugar(),
		adminToken: cfg.AdminToken,
		publicURL:  cfg.PublicURL,
	}
}

// AttachBridge wires the observer bridge after construction; the bridge's
// env needs the handler's PlaceBet, so the knot is tied in the composition
// root.
func (h *Handler) AttachBridge(b *observer.Bridge) {
	h.bridge = b
}

// Health check endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Ready check endpoint
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	info := h.engine.RoomInfo()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":      true,
		"agents":     info.AgentCount,
		"observers":  info.ObserverCount,
		"queueDepth": h.engine.Queue().Depth(),
	})
}

// ObserverWS upgrades spectator websocket connections.
func (h *Handler) ObserverWS(w http.ResponseWriter, r *http.Request) {
	h.bridge.ServeWS(w, r)
}

// PlaceBet forwards an observer bet to the bet store and, on success, feeds
// the bet event into the world so spectators see it.
func (h *Handler) PlaceBet(ctx context.Context, wallet, target, txHash string, amount float64) error {
	ev, err := h.bets.Place(ctx, wallet, target, txHash, amount)
	if err != nil {
		return err
	}
	return h.engine.Queue().EnqueueInternal(&models.WorldMessage{
		WorldType: models.WorldBet,
		AgentID:   target,
		Bet:       ev,
	}, 0)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// okResponse wraps a payload map with ok:true.
func (h *Handler) okResponse(w http.ResponseWriter, fields map[string]interface{}) {
	out := map[string]interface{}{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	h.jsonResponse(w, http.StatusOK, out)
}

// errResponse renders the structured error envelope. Rule failures are still
// HTTP 200: the envelope, not the status, is the contract with agents.
func (h *Handler) errResponse(w http.ResponseWriter, err error) {
	ce := models.AsCommandError(err)
	out := map[string]interface{}{
		"ok":    false,
		"error": ce.Token,
	}
	if ce.Hint != "" {
		out["hint"] = ce.Hint
	}
	if ce.DeadUntil != 0 {
		out["deadUntil"] = ce.DeadUntil
	}
	if ce.RetryAfterMs != 0 {
		out["retryAfterMs"] = ce.RetryAfterMs
	}
	if ce.Permanent {
		out["permanent"] = true
	}
	h.jsonResponse(w, http.StatusOK, out)
}
