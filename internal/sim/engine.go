// Package sim composes the simulation core: the command queue, world state,
// spatial grid, battle manager, phase manager and observer bridge, driven by
// the fixed-rate scheduler. A single mutex serializes every mutation, so the
// tick remains the ordering point for all applied messages.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/alliance"
	"github.com/openwalc/arena-server/internal/battle"
	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/phase"
	"github.com/openwalc/arena-server/internal/queue"
	"github.com/openwalc/arena-server/internal/registry"
	"github.com/openwalc/arena-server/internal/relay"
	"github.com/openwalc/arena-server/internal/world"
)

const systemActor = "system"

// TickHook runs at the start of every tick (timers, timeout scans).
type TickHook func(now int64)

// EventHook receives the tick's applied event list (persistence, metrics).
// Hooks run on the tick thread while the engine is held; they must not call
// back into engine methods that take the lock.
type EventHook func(tick uint64, roundID string, events []*models.WorldMessage)

// Options configures the engine.
type Options struct {
	RoomCapacity   int
	PhaseDurations phase.Durations
	Obstacles      []models.Obstacle
}

// Engine owns the simulation singletons. Construct once in the composition
// root; lifecycle is start/stop symmetric through the scheduler.
type Engine struct {
	mu sync.Mutex

	queue     *queue.Queue
	world     *world.State
	grid      *world.Grid
	registry  *registry.Registry
	alliances *alliance.Manager
	battles   *battle.Manager
	phases    *phase.Manager
	survival  *phase.Contract
	relay     relay.Publisher

	roundID      string
	roomCapacity int
	tick         uint64

	tickHooks  []TickHook
	eventHooks []EventHook

	observerCount func() int
	fanOut        func(tick uint64, events []*models.WorldMessage, snapshot func() []models.AgentSnapshot, position func(string) *models.AgentPosition)

	logger *zap.SugaredLogger
}

func NewEngine(reg *registry.Registry, pub relay.Publisher, opts Options, logger *zap.Logger) *Engine {
	if opts.RoomCapacity <= 0 {
		opts.RoomCapacity = models.RoomCapacity
	}
	e := &Engine{
		queue:        queue.New(logger),
		world:        world.NewState(reg, logger),
		grid:         world.NewGrid(),
		registry:     reg,
		alliances:    alliance.New(6),
		relay:        pub,
		roundID:      uuid.NewString(),
		roomCapacity: opts.RoomCapacity,
		logger:       logger.Sugar(),
	}
	e.world.SetObstacles(opts.Obstacles)
	e.queue.SetObstacles(opts.Obstacles)

	e.battles = battle.NewManager(battle.Env{
		Position:      e.world.Position,
		CombatAllowed: e.combatAllowed,
		Refused:       reg.Refused,
		Allied:        e.alliances.Allied,
		Kills: func(id string) int {
			if p := reg.Get(id); p != nil {
				return p.Combat.Kills
			}
			return 0
		},
		Now:   e.queue.Now,
		Emit:  e.emitBattle,
		OnEnd: e.handleBattleEnd,
	})

	e.phases = phase.NewManager(phase.Env{
		Now:            e.queue.Now,
		EmitPhase:      e.emitPhase,
		EmitZone:       e.emitZoneDamage,
		OnZoneDeath:    e.handleZoneDeath,
		AgentsOutside:  e.agentsOutside,
		SetAllianceCap: e.applyAllianceCap,
	}, opts.PhaseDurations, logger)

	e.survival = phase.NewContract(phase.ContractEnv{
		Now:      e.queue.Now,
		Living:   e.livingAgents,
		Refused:  reg.Refused,
		OnSettle: e.handleSettle,
	}, logger)

	// built-in once-per-second hooks ride the tick counter
	e.tickHooks = append(e.tickHooks,
		e.everySecond(func(now int64) { e.battles.CheckTimeouts(now) }),
		e.everySecond(func(now int64) { e.phases.Tick(now) }),
		e.everySecond(func(now int64) { e.survival.Tick(now) }),
	)

	return e
}

// AttachObservers wires the bridge callbacks after construction (the bridge
// needs the engine for its env, so the knot is tied here).
func (e *Engine) AttachObservers(count func() int, fanOut func(uint64, []*models.WorldMessage, func() []models.AgentSnapshot, func(string) *models.AgentPosition)) {
	e.observerCount = count
	e.fanOut = fanOut
}

// AddEventHook registers a per-tick event batch consumer.
func (e *Engine) AddEventHook(h EventHook) {
	e.eventHooks = append(e.eventHooks, h)
}

// AddTickHook registers a hook invoked at the start of every tick.
func (e *Engine) AddTickHook(h TickHook) {
	e.tickHooks = append(e.tickHooks, h)
}

// everySecond wraps a hook to fire once per second of ticks.
func (e *Engine) everySecond(h TickHook) TickHook {
	var counter int
	return func(now int64) {
		counter++
		if counter >= models.TickRate {
			counter = 0
			h(now)
		}
	}
}

// RoundID identifies the current survival round for persistence.
func (e *Engine) RoundID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roundID
}

// Queue exposes the command queue to the IPC handler.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Obstacles returns the static geometry.
func (e *Engine) Obstacles() []models.Obstacle { return e.world.Obstacles() }

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Step runs one simulation tick. Returns the number of applied messages.
func (e *Engine) Step() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tick++
	now := e.queue.Now()

	// 1. tick hooks; one failing hook must not stop the others
	for i, h := range e.tickHooks {
		e.runHook(fmt.Sprintf("tick-hook-%d", i), func() { h(now) })
	}

	// 2-3. drain and apply
	batch := e.queue.Drain()
	events := make([]*models.WorldMessage, 0, len(batch))
	for _, msg := range batch {
		if e.applyOne(msg) {
			events = append(events, msg)
			e.relay.Publish(msg)
		}
	}

	// 4. event hooks
	if len(events) > 0 {
		for i, h := range e.eventHooks {
			tickNum, round := e.tick, e.roundID
			e.runHook(fmt.Sprintf("event-hook-%d", i), func() { h(tickNum, round, events) })
		}
	}

	// 5. spatial index
	e.grid.Rebuild(e.world.Positions())

	// 6-7. observer viewports and fan-out
	if e.fanOut != nil {
		tickNum := e.tick
		e.fanOut(tickNum, events, func() []models.AgentSnapshot {
			return e.world.Snapshot(now, e.battles.InBattle)
		}, e.world.Position)
	}

	activeAgents.Set(float64(e.world.AgentCount()))
	activeBattles.Set(float64(e.battles.Count()))
	return len(events)
}

// applyOne folds a message into world state. A panic or logged failure in
// one message must not skip the rest of the batch.
func (e *Engine) applyOne(msg *models.WorldMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Apply panicked", "tick", e.tick, "agent", msg.AgentID, "worldType", msg.WorldType, "panic", r)
			ok = false
		}
	}()

	// leave dissolves any active battle before the world forgets the agent
	if msg.WorldType == models.WorldLeave {
		e.battles.HandleAgentLeave(msg.AgentID)
		e.phases.ClearIntegrity(msg.AgentID)
	}

	e.world.Apply(msg)

	if msg.WorldType == models.WorldLeave {
		e.survival.Reevaluate()
	}
	return true
}

func (e *Engine) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Hook panicked", "hook", name, "tick", e.tick, "panic", r)
			hookFailures.Inc()
		}
	}()
	fn()
}

// ---------------------------------------------------------------------------
// Emission plumbing
// ---------------------------------------------------------------------------

func (e *Engine) emitInternal(msg *models.WorldMessage, tsFloor int64) {
	if err := e.queue.EnqueueInternal(msg, tsFloor); err != nil {
		e.logger.Errorw("Dropped internal event", "tick", e.tick, "agent", msg.AgentID, "worldType", msg.WorldType, "error", err)
	}
}

func (e *Engine) emitBattle(actorID string, ev *models.BattleEvent) {
	e.emitInternal(&models.WorldMessage{
		WorldType: models.WorldBattle,
		AgentID:   actorID,
		Battle:    ev,
	}, 0)
}

func (e *Engine) emitPhase(ev *models.PhaseEvent) {
	e.emitInternal(&models.WorldMessage{
		WorldType: models.WorldPhase,
		AgentID:   systemActor,
		Phase:     ev,
	}, 0)
}

func (e *Engine) emitZoneDamage(agentID string, damage, integrity int) {
	e.emitInternal(&models.WorldMessage{
		WorldType: models.WorldZoneDamage,
		AgentID:   agentID,
		Zone:      &models.ZoneDamageEvent{Damage: damage, Integrity: integrity},
	}, 0)
}

func (e *Engine) emitAlliance(actorID, kind string, members []string) {
	e.emitInternal(&models.WorldMessage{
		WorldType: models.WorldAlliance,
		AgentID:   actorID,
		Alliance:  &models.AllianceEvent{Kind: kind, Members: members},
	}, 0)
}

// ---------------------------------------------------------------------------
// Death and settlement side effects
// ---------------------------------------------------------------------------

func (e *Engine) handleBattleEnd(out battle.Outcome) {
	if len(out.DefeatedIDs) == 0 {
		return
	}
	now := e.queue.Now()
	for _, id := range out.DefeatedIDs {
		if members := e.alliances.Leave(id); members != nil {
			e.emitAlliance(id, "left", members)
		}
		e.registry.MarkPermanentlyDead(id, now)
		e.queue.PruneAgent(id)
		e.phases.ClearIntegrity(id)
		// the leave lands strictly after the final round event
		e.emitInternal(&models.WorldMessage{
			WorldType: models.WorldLeave,
			AgentID:   id,
		}, out.LastTurnTs)
	}
	if out.Reason == battle.ReasonKO && out.WinnerID != "" {
		n := len(out.DefeatedIDs)
		if n < 1 {
			n = 1
		}
		e.registry.MutateCombat(out.WinnerID, func(c *models.CombatStats) {
			c.Kills += n
			c.Wins += n
			c.Guilt += n
		})
	}
	e.survival.Reevaluate()
}

func (e *Engine) handleZoneDeath(agentID string) {
	e.logger.Infow("Agent consumed by the zone", "agent", agentID, "tick", e.tick)
	e.battles.HandleAgentLeave(agentID)
	if members := e.alliances.Leave(agentID); members != nil {
		e.emitAlliance(agentID, "left", members)
	}
	e.registry.MarkPermanentlyDead(agentID, e.queue.Now())
	e.queue.PruneAgent(agentID)
	e.emitInternal(&models.WorldMessage{
		WorldType: models.WorldLeave,
		AgentID:   agentID,
	}, 0)
	e.survival.Reevaluate()
}

func (e *Engine) handleSettle(state models.SurvivalState) {
	e.logger.Infow("Survival contract settled", "status", state.Status, "summary", state.Summary)
	e.emitPhase(&models.PhaseEvent{
		Phase:          e.phases.State().Phase,
		SafeZoneRadius: e.phases.State().SafeZoneRadius,
		EndsAt:         e.phases.State().EndsAt,
		RoundNumber:    e.phases.State().RoundNumber,
	})
}

func (e *Engine) applyAllianceCap(size int) {
	for _, cut := range e.alliances.SetMaxSize(size) {
		for _, id := range cut {
			e.emitAlliance(id, "trimmed", cut)
		}
	}
}

// ---------------------------------------------------------------------------
// Queries used by battle/phase env and external callers
// ---------------------------------------------------------------------------

func (e *Engine) combatAllowed() error {
	if err := e.survival.CombatAllowed(); err != nil {
		return err
	}
	return e.phases.CombatAllowed()
}

func (e *Engine) livingAgents() []string {
	out := make([]string, 0, e.world.AgentCount())
	for id := range e.world.Positions() {
		if p := e.registry.Get(id); p != nil && !p.Combat.PermanentlyDead {
			out = append(out, id)
		}
	}
	return out
}

// agentsOutside complements a grid query around the origin: whoever the safe
// disc does not contain is in the storm.
func (e *Engine) agentsOutside(radius float64) []string {
	inside := e.grid.QueryRadius(0, 0, radius)
	var out []string
	for id := range e.world.Positions() {
		if !inside[id] {
			out = append(out, id)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Synchronous game operations (called from the IPC handler)
// ---------------------------------------------------------------------------

// Register validates identity rules and enqueues the join. The spawn point
// is reserved now so the response can tell the agent where it lands.
func (e *Engine) Register(p *models.AgentProfile, explicit *models.WorldMessage) (*models.AgentProfile, *models.AgentPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.survival.RegistrationOpen() {
		return nil, nil, models.NewCommandError(models.ErrSurvivalRoundClosed).
			WithHint("the round has settled; wait for the next reset")
	}
	if !e.world.InWorld(p.AgentID) && e.world.AgentCount() >= e.roomCapacity {
		return nil, nil, models.NewCommandError(models.ErrRoomFull)
	}

	stored, err := e.registry.Register(p, e.queue.Now())
	if err != nil {
		return nil, nil, err
	}

	join := &models.WorldMessage{
		WorldType: models.WorldJoin,
		AgentID:   stored.AgentID,
		Profile:   stored,
	}
	if explicit != nil && explicit.HasSpawn {
		join.X, join.Z, join.Rotation = explicit.X, explicit.Z, explicit.Rotation
		join.HasSpawn = true
	}

	var spawn *models.AgentPosition
	if pos := e.world.Position(stored.AgentID); pos != nil {
		spawn = pos
	} else {
		x, z, rot := e.world.ReserveSpawn(join, e.queue.Now())
		join.X, join.Z, join.Rotation = x, z, rot
		join.HasSpawn = true
		spawn = &models.AgentPosition{AgentID: stored.AgentID, X: x, Z: z, Rotation: rot}
	}

	if err := e.queue.EnqueueInternal(join, 0); err != nil {
		return nil, nil, err
	}
	return stored, spawn, nil
}

// Leave removes the agent: battles dissolve, pending commands are pruned and
// the leave event flows through the next tick.
func (e *Engine) Leave(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.Exists(agentID) {
		return models.NewCommandError(models.ErrUnknownAgent)
	}
	e.queue.PruneAgent(agentID)
	e.emitInternal(&models.WorldMessage{WorldType: models.WorldLeave, AgentID: agentID}, 0)
	return nil
}

// CheckMove gates world-move: fighters hold their ground.
func (e *Engine) CheckMove(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return err
	}
	if e.battles.InBattle(agentID) {
		return models.NewCommandError(models.ErrAgentInBattle)
	}
	return nil
}

// CheckAlive surfaces dead/unknown agents before enqueueing a command.
func (e *Engine) CheckAlive(agentID string) error {
	return e.registry.CheckAlive(agentID)
}

// CheckWhisperTarget validates the whisper addressee.
func (e *Engine) CheckWhisperTarget(targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.Exists(targetID) {
		return models.NewCommandError(models.ErrUnknownTargetAgent)
	}
	return nil
}

// StartBattle opens a duel.
func (e *Engine) StartBattle(agentID, targetID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return "", err
	}
	if !e.registry.Exists(targetID) {
		return "", models.NewCommandError(models.ErrUnknownTargetAgent)
	}
	r, err := e.battles.Start(agentID, targetID)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// SubmitIntent records a turn choice.
func (e *Engine) SubmitIntent(agentID, battleID, intentStr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return err
	}
	intent, ok := battle.ParseIntent(intentStr)
	if !ok {
		return models.NewCommandError(models.ErrInvalidIntent).
			WithHint("intent must be approach, strike, guard, feint or retreat")
	}
	return e.battles.SubmitIntent(agentID, battleID, intent)
}

// ProposeTruce registers a truce offer; accepted reports mutual agreement.
func (e *Engine) ProposeTruce(agentID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return false, err
	}
	return e.battles.ProposeTruce(agentID)
}

// Surrender concedes the agent's battle.
func (e *Engine) Surrender(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return err
	}
	return e.battles.Surrender(agentID)
}

// Refuse declares prize refusal: the agent will not strike, feint or accept
// a solo payout.
func (e *Engine) Refuse(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return err
	}
	e.registry.SetPrizeRefusal(agentID, true)
	e.survival.Refuse(agentID)
	e.survival.Reevaluate()
	return nil
}

// ProposeAlliance offers (or completes) an alliance between two agents.
func (e *Engine) ProposeAlliance(agentID, targetID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return false, err
	}
	if !e.registry.Exists(targetID) {
		return false, models.NewCommandError(models.ErrUnknownTargetAgent)
	}
	formed, members := e.alliances.Propose(agentID, targetID)
	if formed && members != nil {
		e.emitAlliance(agentID, "formed", members)
	}
	return formed, nil
}

// LeaveAlliance exits the agent's alliance.
func (e *Engine) LeaveAlliance(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.CheckAlive(agentID); err != nil {
		return err
	}
	if members := e.alliances.Leave(agentID); members != nil {
		e.emitAlliance(agentID, "left", members)
	}
	return nil
}

// InBattle reports battle membership for IPC checks.
func (e *Engine) InBattle(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.battles.InBattle(agentID)
}

// ---------------------------------------------------------------------------
// Read models
// ---------------------------------------------------------------------------

// BattleView is the serializable battle summary.
type BattleView struct {
	BattleID     string         `json:"battleId"`
	Participants []string       `json:"participants"`
	HP           map[string]int `json:"hp"`
	Stamina      map[string]int `json:"stamina"`
	Turn         int            `json:"turn"`
	StartedAt    int64          `json:"startedAt"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// Battles returns the active battle list.
func (e *Engine) Battles() []BattleView {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := e.battles.Active()
	out := make([]BattleView, 0, len(records))
	for _, r := range records {
		out = append(out, BattleView{
			BattleID:     r.ID,
			Participants: r.Participants[:],
			HP:           map[string]int{r.Participants[0]: r.HP[r.Participants[0]], r.Participants[1]: r.HP[r.Participants[1]]},
			Stamina:      map[string]int{r.Participants[0]: r.Stamina[r.Participants[0]], r.Participants[1]: r.Stamina[r.Participants[1]]},
			Turn:         r.Turn,
			StartedAt:    r.StartedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out
}

// Snapshot returns the observer-visible agent list.
func (e *Engine) Snapshot() []models.AgentSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Snapshot(time.Now().UnixMilli(), e.battles.InBattle)
}

// Events returns ring events after sinceTs, merging the caller's whispers.
func (e *Engine) Events(sinceTs int64, limit int, forAgent string) []*models.WorldMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.GetEvents(sinceTs, limit, forAgent)
}

// Position returns the live transform for an agent id.
func (e *Engine) Position(agentID string) *models.AgentPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Position(agentID)
}

// PhaseState returns the phase snapshot.
func (e *Engine) PhaseState() models.PhaseState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phases.State()
}

// SurvivalState returns the survival contract snapshot.
func (e *Engine) SurvivalState() models.SurvivalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.survival.State()
}

// RoomInfo assembles the observer room payload.
func (e *Engine) RoomInfo() *models.RoomInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	observers := 0
	if e.observerCount != nil {
		observers = e.observerCount()
	}
	ph := e.phases.State()
	sv := e.survival.State()
	return &models.RoomInfo{
		WorldSize:     models.WorldSize,
		TickRate:      models.TickRate,
		AgentCount:    e.world.AgentCount(),
		ObserverCount: observers,
		Capacity:      e.roomCapacity,
		Obstacles:     e.world.Obstacles(),
		Phase:         &ph,
		Survival:      &sv,
	}
}

// ---------------------------------------------------------------------------
// Admin operations
// ---------------------------------------------------------------------------

// SurvivalStart opens the round (admin).
func (e *Engine) SurvivalStart(prizePoolUsd float64, durationMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.survival.Start(prizePoolUsd, durationMs)
}

// SurvivalReset returns to waiting: revives everyone, dissolves battles and
// ejects all active agents. The next round gets a fresh id.
func (e *Engine) SurvivalReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.battles.EndAll(battle.ReasonDraw)
	e.registry.ReviveAll()
	e.alliances.Reset()
	for id := range e.world.Positions() {
		e.queue.PruneAgent(id)
		e.emitInternal(&models.WorldMessage{WorldType: models.WorldLeave, AgentID: id}, 0)
	}
	e.survival.Reset()
	e.phases.Reset(e.queue.Now())
	e.roundID = uuid.NewString()
}

// Revive clears combat state for one agent (admin).
func (e *Engine) Revive(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.Revive(agentID) {
		return models.NewCommandError(models.ErrUnknownAgent)
	}
	return nil
}

// SetPhase forces a phase (admin).
func (e *Engine) SetPhase(phaseName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phases.SetPhase(phaseName, e.queue.Now())
}
