// Package phase owns the coarse round segments (lobby → battle → showdown)
// and the survival contract overlaid on the world. Phases gate combat and
// the alliance size cap; the contract decides who the prize pool pays.
package phase

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

const (
	zoneFullRadius = models.HalfWorld
	zoneMinRadius  = 20.0
	zoneTickDamage = 2
	zoneIntegrity  = 100
)

// Alliance size caps per phase. Transitions trim oversized alliances.
var allianceCaps = map[string]int{
	models.PhaseLobby:    6,
	models.PhaseBattle:   4,
	models.PhaseShowdown: 2,
}

// Durations configures the phase timers.
type Durations struct {
	Lobby    time.Duration
	Battle   time.Duration
	Showdown time.Duration
}

// Env is the phase manager's view of the engine.
type Env struct {
	Now           func() int64
	EmitPhase     func(ev *models.PhaseEvent)
	EmitZone      func(agentID string, damage, integrity int)
	OnZoneDeath   func(agentID string)
	AgentsOutside func(radius float64) []string
	SetAllianceCap func(cap int) // trims and emits alliance events
}

// Manager drives phase progression and the showdown zone. Calls are
// serialized by the engine; the once-per-second Tick runs as a tick hook.
type Manager struct {
	env       Env
	durations Durations
	logger    *zap.SugaredLogger

	phase          string
	phaseEndsAt    int64
	showdownFrom   int64
	safeZoneRadius float64
	roundNumber    int

	integrity map[string]int
}

func NewManager(env Env, durations Durations, logger *zap.Logger) *Manager {
	m := &Manager{
		env:            env,
		durations:      durations,
		logger:         logger.Sugar(),
		phase:          models.PhaseLobby,
		safeZoneRadius: zoneFullRadius,
		roundNumber:    1,
		integrity:      make(map[string]int),
	}
	m.phaseEndsAt = env.Now() + durations.Lobby.Milliseconds()
	return m
}

// State returns the externally visible phase snapshot.
func (m *Manager) State() models.PhaseState {
	return models.PhaseState{
		Phase:          m.phase,
		SafeZoneRadius: m.safeZoneRadius,
		EndsAt:         m.phaseEndsAt,
		RoundNumber:    m.roundNumber,
	}
}

// CombatAllowed returns nil only during battle and showdown.
func (m *Manager) CombatAllowed() error {
	if m.phase == models.PhaseBattle || m.phase == models.PhaseShowdown {
		return nil
	}
	return models.NewCommandError(models.ErrCombatPhaseLocked).
		WithHint(fmt.Sprintf("combat opens in the battle phase; current phase is %s", m.phase))
}

// Tick advances the timers. Called once per second.
func (m *Manager) Tick(now int64) {
	if m.phaseEndsAt > 0 && now >= m.phaseEndsAt {
		m.advance(now)
	}
	if m.phase == models.PhaseShowdown {
		m.shrinkZone(now)
		m.applyZoneDamage()
	}
}

func (m *Manager) advance(now int64) {
	switch m.phase {
	case models.PhaseLobby:
		m.enter(models.PhaseBattle, now, m.durations.Battle)
	case models.PhaseBattle:
		m.showdownFrom = now
		m.enter(models.PhaseShowdown, now, m.durations.Showdown)
	case models.PhaseShowdown:
		// showdown holds until the round settles and resets
		m.phaseEndsAt = 0
	}
}

func (m *Manager) enter(phase string, now int64, d time.Duration) {
	m.phase = phase
	m.phaseEndsAt = now + d.Milliseconds()
	if size, ok := allianceCaps[phase]; ok && m.env.SetAllianceCap != nil {
		m.env.SetAllianceCap(size)
	}
	m.logger.Infow("Phase transition", "phase", phase, "endsAt", m.phaseEndsAt, "round", m.roundNumber)
	m.emitState()
}

// SetPhase forces a phase (admin).
func (m *Manager) SetPhase(phase string, now int64) error {
	var d time.Duration
	switch phase {
	case models.PhaseLobby:
		d = m.durations.Lobby
	case models.PhaseBattle:
		d = m.durations.Battle
	case models.PhaseShowdown:
		d = m.durations.Showdown
		m.showdownFrom = now
	default:
		return models.NewCommandError(models.ErrInvalidArgs).WithHint("phase must be lobby, battle or showdown")
	}
	m.enter(phase, now, d)
	return nil
}

// Reset returns to lobby and starts the next round.
func (m *Manager) Reset(now int64) {
	m.roundNumber++
	m.safeZoneRadius = zoneFullRadius
	m.integrity = make(map[string]int)
	m.enter(models.PhaseLobby, now, m.durations.Lobby)
}

func (m *Manager) emitState() {
	if m.env.EmitPhase == nil {
		return
	}
	m.env.EmitPhase(&models.PhaseEvent{
		Phase:          m.phase,
		SafeZoneRadius: m.safeZoneRadius,
		EndsAt:         m.phaseEndsAt,
		RoundNumber:    m.roundNumber,
	})
}

// shrinkZone interpolates the safe radius linearly across the showdown.
func (m *Manager) shrinkZone(now int64) {
	total := m.durations.Showdown.Milliseconds()
	if total <= 0 {
		return
	}
	elapsed := now - m.showdownFrom
	if elapsed < 0 {
		elapsed = 0
	}
	frac := float64(elapsed) / float64(total)
	if frac > 1 {
		frac = 1
	}
	m.safeZoneRadius = zoneFullRadius - (zoneFullRadius-zoneMinRadius)*frac
}

// applyZoneDamage hurts every agent outside the safe zone. Integrity hitting
// zero is a permanent death handled by the engine.
func (m *Manager) applyZoneDamage() {
	if m.env.AgentsOutside == nil {
		return
	}
	for _, id := range m.env.AgentsOutside(m.safeZoneRadius) {
		integ, ok := m.integrity[id]
		if !ok {
			integ = zoneIntegrity
		}
		integ -= zoneTickDamage
		if integ < 0 {
			integ = 0
		}
		m.integrity[id] = integ
		if m.env.EmitZone != nil {
			m.env.EmitZone(id, zoneTickDamage, integ)
		}
		if integ == 0 && m.env.OnZoneDeath != nil {
			delete(m.integrity, id)
			m.env.OnZoneDeath(id)
		}
	}
}

// ClearIntegrity forgets zone damage bookkeeping for an agent that left.
func (m *Manager) ClearIntegrity(agentID string) {
	delete(m.integrity, agentID)
}
