// Package observer fans world state out to spectator websockets. Observers
// see snapshots plus per-tick deltas filtered by their viewport: per-agent
// events only inside the area of interest, chat within earshot, lifecycle
// and battle events globally, whispers never.
package observer

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

const (
	maxViewportCoord = 10_000
	chatDelivery     = models.ChatRange + models.AOIRadius
)

var (
	observerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_observers_connected",
		Help: "Number of connected observers",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_observer_frames_dropped_total",
		Help: "Frames dropped because an observer send buffer was full",
	})
)

// Env is the bridge's view of the engine, used for one-shot replies and the
// bet hand-off. Calls may run on observer goroutines and must lock inside.
type Env struct {
	Profiles func() []*models.AgentProfile
	Profile  func(agentID string) *models.AgentProfile
	Battles  func() any
	RoomInfo func() *models.RoomInfo
	PlaceBet func(ctx context.Context, wallet, target, txHash string, amount float64) error
}

// Bridge owns observer client state.
type Bridge struct {
	env      Env
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
}

func NewBridge(env Env, logger *zap.Logger) *Bridge {
	return &Bridge{
		env:    env,
		logger: logger.Sugar(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// ServeWS upgrades an observer connection. The optional ?agent= query makes
// the viewport auto-follow that agent.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}
	b.Add(conn, r.URL.Query().Get("agent"))
}

// Add registers a freshly upgraded connection. The room info and battle list
// go out immediately; the next tick delivers the full snapshot.
func (b *Bridge) Add(conn *websocket.Conn, followAgentID string) *Client {
	c := &Client{
		ID:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		followAgentID: followAgentID,
		connectedAt:   time.Now().UnixMilli(),
		logger:        b.logger,
	}

	b.mu.Lock()
	b.clients[c.ID] = c
	observerCount.Set(float64(len(b.clients)))
	b.mu.Unlock()

	go c.writePump()
	go c.readPump(b)

	b.reply(c, &models.ObserverFrame{Type: models.FrameRoomInfo, Room: b.env.RoomInfo()})
	b.reply(c, &models.ObserverFrame{Type: models.FrameBattleState, Battles: b.env.Battles()})
	return c
}

// Remove drops the client and closes its transport.
func (b *Bridge) Remove(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	observerCount.Set(float64(len(b.clients)))
	b.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// Count returns the number of connected observers.
func (b *Bridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// CloseAll tears down every observer (shutdown).
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*Client)
	observerCount.Set(0)
	b.mu.Unlock()
	for _, c := range clients {
		close(c.send)
	}
}

// FanOut delivers one tick's events and due snapshots. Called by the
// scheduler after the grid rebuild while it holds the engine; snapshot and
// position read the already-serialized world and must not re-enter the engine.
// The bridge lock is held for the whole pass: viewport and ack fields are
// also written by the per-observer read pumps under the same lock, and
// nothing below blocks (sends are non-blocking, the env funcs stay inside
// the already-held engine).
func (b *Bridge) FanOut(tick uint64, events []*models.WorldMessage, snapshot func() []models.AgentSnapshot, position func(string) *models.AgentPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return
	}

	// follow anchors track the followed agent each tick
	for _, c := range clients {
		if c.followAgentID == "" {
			continue
		}
		if p := position(c.followAgentID); p != nil {
			c.viewX, c.viewZ = p.X, p.Z
		}
	}

	var agents []models.AgentSnapshot
	snapshotTaken := false

	for _, c := range clients {
		due := c.lastAckTick == 0 || tick-c.lastSnapshot >= models.SnapshotEvery
		if !due {
			continue
		}
		if !snapshotTaken {
			agents = snapshot()
			snapshotTaken = true
		}
		visible := agents
		if c.lastAckTick != 0 {
			// only the first snapshot after connect/subscribe is unfiltered
			visible = filterByAOI(agents, c.viewX, c.viewZ)
		}
		frame, err := json.Marshal(&models.ObserverFrame{Type: models.FrameSnapshot, Tick: tick, Agents: visible})
		if err != nil {
			b.logger.Errorw("Snapshot marshal failed", "tick", tick, "error", err)
			continue
		}
		if !c.enqueue(frame) {
			framesDropped.Inc()
			continue
		}
		c.lastSnapshot = tick
		c.lastAckTick = tick
	}

	// Encode each event once and reuse the bytes across observers.
	for _, ev := range events {
		if ev.WorldType == models.WorldWhisper {
			continue
		}
		var encoded []byte
		actorPos := position(ev.AgentID)
		for _, c := range clients {
			if !b.deliverable(ev, actorPos, c) {
				continue
			}
			if encoded == nil {
				var err error
				encoded, err = json.Marshal(&models.ObserverFrame{Type: models.FrameWorld, Tick: tick, Event: ev})
				if err != nil {
					b.logger.Errorw("Event marshal failed", "tick", tick, "worldType", ev.WorldType, "agent", ev.AgentID, "error", err)
					break
				}
			}
			if !c.enqueue(encoded) {
				framesDropped.Inc()
			}
		}
	}
}

// deliverable applies the per-kind delivery rules.
func (b *Bridge) deliverable(ev *models.WorldMessage, actorPos *models.AgentPosition, c *Client) bool {
	switch ev.WorldType {
	case models.WorldWhisper:
		return false
	case models.WorldJoin, models.WorldLeave, models.WorldProfile, models.WorldBattle,
		models.WorldAlliance, models.WorldPhase, models.WorldTerritory,
		models.WorldBet, models.WorldZoneDamage:
		return true
	case models.WorldChat, models.WorldEmote:
		if actorPos == nil {
			return false
		}
		return within(actorPos.X, actorPos.Z, c.viewX, c.viewZ, chatDelivery)
	default:
		if actorPos == nil {
			return false
		}
		return within(actorPos.X, actorPos.Z, c.viewX, c.viewZ, models.AOIRadius)
	}
}

func within(x, z, vx, vz, r float64) bool {
	dx, dz := x-vx, z-vz
	return dx*dx+dz*dz <= r*r
}

func filterByAOI(agents []models.AgentSnapshot, vx, vz float64) []models.AgentSnapshot {
	out := make([]models.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		if within(a.X, a.Z, vx, vz, models.AOIRadius) {
			out = append(out, a)
		}
	}
	return out
}

// clientMessage is the inbound observer frame.
type clientMessage struct {
	Type    string  `json:"type"`
	AgentID string  `json:"agentId,omitempty"`
	X       float64 `json:"x,omitempty"`
	Z       float64 `json:"z,omitempty"`
	Wallet  string  `json:"wallet,omitempty"`
	TxHash  string  `json:"txHash,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

func (b *Bridge) handleClientMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Debugw("Bad observer frame", "observer", c.ID, "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		b.mu.Lock()
		c.lastAckTick = 0
		b.mu.Unlock()

	case "requestProfiles":
		b.reply(c, &models.ObserverFrame{Type: models.FrameProfiles, Profiles: b.env.Profiles()})

	case "requestProfile":
		b.reply(c, &models.ObserverFrame{Type: models.FrameProfile, Profile: b.env.Profile(msg.AgentID)})

	case "requestBattles":
		b.reply(c, &models.ObserverFrame{Type: models.FrameBattleState, Battles: b.env.Battles()})

	case "requestRoomInfo":
		b.reply(c, &models.ObserverFrame{Type: models.FrameRoomInfo, Room: b.env.RoomInfo()})

	case "viewport":
		if math.IsNaN(msg.X) || math.IsNaN(msg.Z) || math.IsInf(msg.X, 0) || math.IsInf(msg.Z, 0) ||
			math.Abs(msg.X) > maxViewportCoord || math.Abs(msg.Z) > maxViewportCoord {
			b.result(c, "viewport", models.NewCommandError(models.ErrInvalidPosition))
			return
		}
		b.mu.Lock()
		c.viewX, c.viewZ = msg.X, msg.Z
		c.followAgentID = ""
		b.mu.Unlock()

	case "follow":
		b.mu.Lock()
		c.followAgentID = msg.AgentID
		b.mu.Unlock()

	case "placeBet":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.env.PlaceBet(ctx, msg.Wallet, msg.AgentID, msg.TxHash, msg.Amount)
		b.result(c, "placeBet", err)

	default:
		b.result(c, msg.Type, models.NewCommandError(models.ErrUnknownCommand))
	}
}

func (b *Bridge) reply(c *Client, frame *models.ObserverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Errorw("Reply marshal failed", "observer", c.ID, "frame", frame.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		framesDropped.Inc()
	}
}

func (b *Bridge) result(c *Client, command string, err error) {
	res := &models.CommandResult{Command: command, OK: err == nil}
	if err != nil {
		ce := models.AsCommandError(err)
		res.Error = ce.Token
		res.Hint = ce.Hint
	}
	b.reply(c, &models.ObserverFrame{Type: models.FrameCommandResult, Result: res})
}
