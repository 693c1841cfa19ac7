// Package battle runs the per-duel state machines: simultaneous intent
// submission, stamina accounting, the momentum read, turn timeouts and the
// termination reasons that feed the survival contract.
package battle

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/openwalc/arena-server/internal/models"
)

// Intent is a battle action chosen each turn.
type Intent string

const (
	IntentApproach Intent = "approach"
	IntentStrike   Intent = "strike"
	IntentGuard    Intent = "guard"
	IntentFeint    Intent = "feint"
	IntentRetreat  Intent = "retreat"
)

// ParseIntent validates an agent-supplied intent label.
func ParseIntent(s string) (Intent, bool) {
	switch Intent(s) {
	case IntentApproach, IntentStrike, IntentGuard, IntentFeint, IntentRetreat:
		return Intent(s), true
	}
	return "", false
}

// Termination reasons.
const (
	ReasonKO         = "ko"
	ReasonDraw       = "draw"
	ReasonFlee       = "flee"
	ReasonTruce      = "truce"
	ReasonSurrender  = "surrender"
	ReasonDisconnect = "disconnect"
)

const (
	maxHP          = 100
	maxStamina     = 100
	guardRecovery  = 10
	readBonus      = 5
	powerPerKill   = 0.03
	powerCap       = 1.5
	turnTimeoutMs  = models.TurnTimeoutMs
)

// staminaCosts by intent; guard costs nothing and recovers instead.
var staminaCosts = map[Intent]int{
	IntentStrike:   20,
	IntentFeint:    15,
	IntentApproach: 5,
	IntentRetreat:  10,
	IntentGuard:    0,
}

// damageMatrix[attacker][defender] is the attacker's base damage, before the
// power multiplier and momentum read.
var damageMatrix = map[Intent]map[Intent]int{
	IntentStrike:   {IntentGuard: 10, IntentStrike: 18, IntentFeint: 28, IntentRetreat: 30, IntentApproach: 22},
	IntentFeint:    {IntentGuard: 10, IntentStrike: 14, IntentFeint: 14, IntentRetreat: 22, IntentApproach: 14},
	IntentApproach: {IntentGuard: 4, IntentStrike: 4, IntentFeint: 4, IntentRetreat: 12, IntentApproach: 4},
	IntentGuard:    {},
	IntentRetreat:  {},
}

// Record is one active duel.
type Record struct {
	ID            string
	Participants  [2]string
	HP            map[string]int
	Stamina       map[string]int
	Power         map[string]float64
	Turn          int
	Intents       map[string]Intent
	PrevIntents   map[string]Intent
	Truce         map[string]bool
	TurnStartedAt int64
	StartedAt     int64
	UpdatedAt     int64
}

func (r *Record) opponent(agentID string) string {
	if r.Participants[0] == agentID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

func (r *Record) has(agentID string) bool {
	return r.Participants[0] == agentID || r.Participants[1] == agentID
}

// Outcome describes a finished battle for the engine's side effects.
type Outcome struct {
	BattleID    string
	Reason      string
	WinnerID    string
	LoserID     string
	DefeatedIDs []string
	LastTurnTs  int64
}

// Env is the battle manager's view of the rest of the engine. Agents are
// referred to by id only; no back-pointers into world or registry state.
type Env struct {
	Position      func(agentID string) *models.AgentPosition
	CombatAllowed func() error // nil when the phase and round allow combat
	Refused       func(agentID string) bool
	Allied        func(a, b string) bool
	Kills         func(agentID string) int
	Now           func() int64
	Emit          func(actorID string, ev *models.BattleEvent)
	OnEnd         func(out Outcome)
}

// Manager owns every active battle record and the agent→battle mapping.
// Calls are serialized by the engine.
type Manager struct {
	env     Env
	battles map[string]*Record
	byAgent map[string]string
}

func NewManager(env Env) *Manager {
	return &Manager{
		env:     env,
		battles: make(map[string]*Record),
		byAgent: make(map[string]string),
	}
}

// InBattle reports whether the agent is a participant of an active record.
func (m *Manager) InBattle(agentID string) bool {
	_, ok := m.byAgent[agentID]
	return ok
}

// Get returns the record for a battle id.
func (m *Manager) Get(battleID string) *Record {
	return m.battles[battleID]
}

// Of returns the agent's active record, or nil.
func (m *Manager) Of(agentID string) *Record {
	id, ok := m.byAgent[agentID]
	if !ok {
		return nil
	}
	return m.battles[id]
}

// Active returns every active record.
func (m *Manager) Active() []*Record {
	out := make([]*Record, 0, len(m.battles))
	for _, r := range m.battles {
		out = append(out, r)
	}
	return out
}

// Count returns the number of active battles.
func (m *Manager) Count() int { return len(m.battles) }

// Start opens a duel between two agents after checking every precondition.
func (m *Manager) Start(agentID, targetID string) (*Record, error) {
	if agentID == targetID {
		return nil, models.NewCommandError(models.ErrSelfTarget)
	}
	if err := m.env.CombatAllowed(); err != nil {
		return nil, err
	}
	pa := m.env.Position(agentID)
	if pa == nil {
		return nil, models.NewCommandError(models.ErrUnknownAgent)
	}
	pb := m.env.Position(targetID)
	if pb == nil {
		return nil, models.NewCommandError(models.ErrUnknownTargetAgent)
	}
	if m.InBattle(agentID) || m.InBattle(targetID) {
		return nil, models.NewCommandError(models.ErrAgentInBattle)
	}
	dx, dz := pa.X-pb.X, pa.Z-pb.Z
	if dist := math.Sqrt(dx*dx + dz*dz); dist > models.BattleStartRange {
		return nil, models.NewCommandError(models.ErrTooFar).
			WithHint(fmt.Sprintf("target is %.1f units away, too far to engage (max %.0f)", dist, models.BattleStartRange))
	}
	if m.env.Refused(agentID) || m.env.Refused(targetID) {
		return nil, models.NewCommandError(models.ErrAgentRefusedViolence)
	}
	if m.env.Allied(agentID, targetID) {
		return nil, models.NewCommandError(models.ErrCannotAttackAlly)
	}

	now := m.env.Now()
	r := &Record{
		ID:            uuid.NewString(),
		Participants:  [2]string{agentID, targetID},
		HP:            map[string]int{agentID: maxHP, targetID: maxHP},
		Stamina:       map[string]int{agentID: maxStamina, targetID: maxStamina},
		Power:         map[string]float64{agentID: powerFor(m.env.Kills(agentID)), targetID: powerFor(m.env.Kills(targetID))},
		Turn:          1,
		Intents:       make(map[string]Intent),
		PrevIntents:   make(map[string]Intent),
		Truce:         make(map[string]bool),
		TurnStartedAt: now,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	m.battles[r.ID] = r
	m.byAgent[agentID] = r.ID
	m.byAgent[targetID] = r.ID

	m.env.Emit(agentID, &models.BattleEvent{
		BattleID:     r.ID,
		Phase:        models.BattlePhaseStarted,
		Participants: []string{agentID, targetID},
		Turn:         r.Turn,
		HP:           copyInts(r.HP),
		Stamina:      copyInts(r.Stamina),
		Power:        copyFloats(r.Power),
	})
	return r, nil
}

func powerFor(kills int) float64 {
	p := 1 + powerPerKill*float64(kills)
	if p > powerCap {
		p = powerCap
	}
	if p < 1 {
		p = 1
	}
	return p
}

// SubmitIntent records one agent's choice for the current turn. A strike or
// feint from a prize refuser is rejected; an unaffordable intent is silently
// downgraded to guard and the emitted event reports the substitution. When
// both intents are in, the turn resolves.
func (m *Manager) SubmitIntent(agentID, battleID string, intent Intent) error {
	r, ok := m.battles[battleID]
	if !ok {
		return models.NewCommandError(models.ErrUnknownBattle)
	}
	if !r.has(agentID) {
		return models.NewCommandError(models.ErrNotParticipant)
	}
	if _, dup := r.Intents[agentID]; dup {
		return models.NewCommandError(models.ErrAlreadySubmitted)
	}
	if (intent == IntentStrike || intent == IntentFeint) && m.env.Refused(agentID) {
		return models.NewCommandError(models.ErrAgentRefusedViolence)
	}

	var forced []string
	if staminaCosts[intent] > r.Stamina[agentID] {
		intent = IntentGuard
		forced = []string{agentID}
	}
	r.Intents[agentID] = intent
	r.UpdatedAt = m.env.Now()

	if len(r.Intents) < 2 {
		m.env.Emit(agentID, &models.BattleEvent{
			BattleID:     r.ID,
			Phase:        models.BattlePhaseIntent,
			Participants: r.Participants[:],
			Turn:         r.Turn,
			Intents:      map[string]string{agentID: string(intent)},
			Forced:       forced,
		})
		return nil
	}

	if len(forced) > 0 {
		m.env.Emit(agentID, &models.BattleEvent{
			BattleID:     r.ID,
			Phase:        models.BattlePhaseIntent,
			Participants: r.Participants[:],
			Turn:         r.Turn,
			Intents:      map[string]string{agentID: string(intent)},
			Forced:       forced,
		})
	}
	m.resolveTurn(r, nil)
	return nil
}

// ProposeTruce adds the agent to the truce set. The battle ends peacefully
// once both participants have proposed; proposals persist across turns.
func (m *Manager) ProposeTruce(agentID string) (accepted bool, err error) {
	r := m.Of(agentID)
	if r == nil {
		return false, models.NewCommandError(models.ErrUnknownBattle)
	}
	r.Truce[agentID] = true
	r.UpdatedAt = m.env.Now()

	if r.Truce[r.opponent(agentID)] {
		m.end(r, Outcome{
			BattleID: r.ID,
			Reason:   ReasonTruce,
		}, fmt.Sprintf("%s and %s agreed to a truce", r.Participants[0], r.Participants[1]))
		return true, nil
	}

	m.env.Emit(agentID, &models.BattleEvent{
		BattleID:     r.ID,
		Phase:        models.BattlePhaseIntent,
		Participants: r.Participants[:],
		Turn:         r.Turn,
		Summary:      fmt.Sprintf("%s proposes a truce", agentID),
	})
	return false, nil
}

// Surrender ends the battle immediately; the opponent wins.
func (m *Manager) Surrender(agentID string) error {
	r := m.Of(agentID)
	if r == nil {
		return models.NewCommandError(models.ErrUnknownBattle)
	}
	opp := r.opponent(agentID)
	m.end(r, Outcome{
		BattleID: r.ID,
		Reason:   ReasonSurrender,
		WinnerID: opp,
		LoserID:  agentID,
	}, fmt.Sprintf("%s surrendered to %s", agentID, opp))
	return nil
}

// HandleAgentLeave terminates the leaver's battle; the opponent wins.
func (m *Manager) HandleAgentLeave(agentID string) {
	r := m.Of(agentID)
	if r == nil {
		return
	}
	opp := r.opponent(agentID)
	m.end(r, Outcome{
		BattleID: r.ID,
		Reason:   ReasonDisconnect,
		WinnerID: opp,
		LoserID:  agentID,
	}, fmt.Sprintf("%s disconnected; %s wins by default", agentID, opp))
}

// CheckTimeouts force-resolves any turn older than the timeout by assigning
// guard to missing intents. Scanned once per second from a tick hook.
func (m *Manager) CheckTimeouts(now int64) {
	for _, r := range m.Active() {
		if _, still := m.battles[r.ID]; !still {
			continue
		}
		if now-r.TurnStartedAt < turnTimeoutMs {
			continue
		}
		var timedOut []string
		for _, id := range r.Participants {
			if _, ok := r.Intents[id]; !ok {
				r.Intents[id] = IntentGuard
				timedOut = append(timedOut, id)
			}
		}
		if len(timedOut) == 0 {
			continue
		}
		m.env.Emit(timedOut[0], &models.BattleEvent{
			BattleID:     r.ID,
			Phase:        models.BattlePhaseIntent,
			Participants: r.Participants[:],
			Turn:         r.Turn,
			TimedOut:     timedOut,
			Forced:       timedOut,
		})
		m.resolveTurn(r, timedOut)
	}
}

// EndAll terminates every battle without winners (round reset).
func (m *Manager) EndAll(reason string) {
	for _, r := range m.Active() {
		if _, still := m.battles[r.ID]; !still {
			continue
		}
		m.end(r, Outcome{BattleID: r.ID, Reason: reason}, "battle dissolved")
	}
}

func (m *Manager) resolveTurn(r *Record, timedOut []string) {
	a, b := r.Participants[0], r.Participants[1]
	ia, ib := r.Intents[a], r.Intents[b]

	// 1. stamina
	for id, intent := range r.Intents {
		if intent == IntentGuard {
			r.Stamina[id] = minInt(maxStamina, r.Stamina[id]+guardRecovery)
		} else {
			r.Stamina[id] = maxInt(0, r.Stamina[id]-staminaCosts[intent])
		}
	}

	// 2-3. damage with momentum read
	dmgA, bonusA := m.damageFrom(r, a, ia, ib)
	dmgB, bonusB := m.damageFrom(r, b, ib, ia)

	// 4. apply
	r.HP[b] = maxInt(0, r.HP[b]-dmgA)
	r.HP[a] = maxInt(0, r.HP[a]-dmgB)
	r.PrevIntents = map[string]Intent{a: ia, b: ib}
	r.UpdatedAt = m.env.Now()

	// 5. round event
	m.env.Emit(a, &models.BattleEvent{
		BattleID:     r.ID,
		Phase:        models.BattlePhaseRound,
		Participants: r.Participants[:],
		Turn:         r.Turn,
		HP:           copyInts(r.HP),
		Stamina:      copyInts(r.Stamina),
		Intents:      map[string]string{a: string(ia), b: string(ib)},
		Damage:       map[string]int{a: dmgA, b: dmgB},
		ReadBonus:    map[string]int{a: bonusA, b: bonusB},
		TimedOut:     timedOut,
	})

	// 6. end conditions, in order
	bothRetreat := ia == IntentRetreat && ib == IntentRetreat
	eitherRetreat := ia == IntentRetreat || ib == IntentRetreat
	deadA, deadB := r.HP[a] <= 0, r.HP[b] <= 0

	switch {
	case bothRetreat:
		m.end(r, Outcome{BattleID: r.ID, Reason: ReasonDraw, LastTurnTs: r.UpdatedAt},
			"both fighters withdrew; the duel is a draw")
	case eitherRetreat:
		fleeing := a
		if ib == IntentRetreat {
			fleeing = b
		}
		m.end(r, Outcome{BattleID: r.ID, Reason: ReasonFlee, LastTurnTs: r.UpdatedAt},
			fmt.Sprintf("%s fled the battle", fleeing))
	case deadA && deadB:
		m.end(r, Outcome{
			BattleID:    r.ID,
			Reason:      ReasonDraw,
			DefeatedIDs: []string{a, b},
			LastTurnTs:  r.UpdatedAt,
		}, "both fighters fell; a mutual destruction")
	case deadA || deadB:
		winner, loser := a, b
		if deadA {
			winner, loser = b, a
		}
		m.end(r, Outcome{
			BattleID:    r.ID,
			Reason:      ReasonKO,
			WinnerID:    winner,
			LoserID:     loser,
			DefeatedIDs: []string{loser},
			LastTurnTs:  r.UpdatedAt,
		}, fmt.Sprintf("%s knocked out %s on turn %d", winner, loser, r.Turn))
	default:
		r.Turn++
		r.Intents = make(map[string]Intent)
		r.TurnStartedAt = m.env.Now()
	}
}

// damageFrom computes the attacker's outgoing damage against the defender's
// intent, including the power multiplier and the momentum read: repeating
// your previous intent lets the opponent read you for +5, but only on an
// attack that already lands (base > 0).
func (m *Manager) damageFrom(r *Record, attacker string, ai, di Intent) (dmg, bonus int) {
	base := damageMatrix[ai][di]
	if base > 0 {
		dmg = int(math.Round(float64(base) * r.Power[attacker]))
		if dmg < 1 {
			dmg = 1
		}
		defender := r.opponent(attacker)
		if prev, ok := r.PrevIntents[defender]; ok && prev == di {
			bonus = readBonus
			dmg += bonus
		}
	}
	return dmg, bonus
}

func (m *Manager) end(r *Record, out Outcome, summary string) {
	ev := &models.BattleEvent{
		BattleID:     r.ID,
		Phase:        models.BattlePhaseEnded,
		Participants: r.Participants[:],
		Turn:         r.Turn,
		HP:           copyInts(r.HP),
		Stamina:      copyInts(r.Stamina),
		Reason:       out.Reason,
		WinnerID:     out.WinnerID,
		LoserID:      out.LoserID,
		DefeatedIDs:  out.DefeatedIDs,
		Summary:      summary,
	}

	delete(m.battles, r.ID)
	delete(m.byAgent, r.Participants[0])
	delete(m.byAgent, r.Participants[1])

	m.env.Emit(r.Participants[0], ev)
	if m.env.OnEnd != nil {
		m.env.OnEnd(out)
	}
}

func copyInts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloats(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
