// Package world holds the authoritative live state of the arena: agent
// positions, current actions, and the ring of recent events handed to late
// joiners. Profiles live in the registry; the world only borrows it.
package world

import (
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/registry"
)

const whisperInboxCap = 50

// State is the authoritative position/action/event store. It is not
// self-locking: all calls happen on the simulation goroutine (or under the
// engine mutex).
type State struct {
	positions map[string]*models.AgentPosition
	actions   map[string]string

	ring  []*models.WorldMessage
	ringW int
	total int

	// whispers are kept out of the public ring and returned only to the
	// sender and the addressee through GetEvents.
	whispers map[string][]*models.WorldMessage

	obstacles []models.Obstacle
	spawn     *spawner
	reg       *registry.Registry
	logger    *zap.SugaredLogger
}

func NewState(reg *registry.Registry, logger *zap.Logger) *State {
	return &State{
		positions: make(map[string]*models.AgentPosition),
		actions:   make(map[string]string),
		ring:      make([]*models.WorldMessage, models.EventRingSize),
		whispers:  make(map[string][]*models.WorldMessage),
		spawn:     newSpawner(time.Now().UnixNano()),
		reg:       reg,
		logger:    logger.Sugar(),
	}
}

// SetObstacles installs the static world geometry. Called once at startup.
func (s *State) SetObstacles(obstacles []models.Obstacle) {
	s.obstacles = append([]models.Obstacle(nil), obstacles...)
}

// Obstacles returns the static geometry list.
func (s *State) Obstacles() []models.Obstacle { return s.obstacles }

// Apply folds one validated message into the world.
func (s *State) Apply(msg *models.WorldMessage) {
	switch msg.WorldType {
	case models.WorldPosition:
		s.positions[msg.AgentID] = &models.AgentPosition{
			AgentID:   msg.AgentID,
			X:         msg.X,
			Y:         msg.Y,
			Z:         msg.Z,
			Rotation:  msg.Rotation,
			Timestamp: msg.Timestamp,
		}
		s.reg.Touch(msg.AgentID, msg.Timestamp)

	case models.WorldAction:
		s.actions[msg.AgentID] = msg.Action
		s.reg.Touch(msg.AgentID, msg.Timestamp)

	case models.WorldJoin:
		s.applyJoin(msg)
		s.record(msg)

	case models.WorldLeave:
		delete(s.positions, msg.AgentID)
		delete(s.actions, msg.AgentID)
		s.record(msg)

	case models.WorldProfile:
		if msg.Profile != nil {
			if _, err := s.reg.Register(msg.Profile, msg.Timestamp); err != nil {
				s.logger.Warnw("Profile merge rejected", "agent", msg.AgentID, "error", err)
			}
		}
		s.record(msg)

	case models.WorldWhisper:
		s.recordWhisper(msg)

	case models.WorldChat, models.WorldEmote:
		s.reg.Touch(msg.AgentID, msg.Timestamp)
		s.record(msg)

	case models.WorldBattle:
		if msg.Battle != nil {
			for _, id := range msg.Battle.Participants {
				s.reg.Touch(id, msg.Timestamp)
			}
		}
		s.record(msg)

	default:
		s.record(msg)
	}
}

func (s *State) applyJoin(msg *models.WorldMessage) {
	if msg.Profile != nil {
		if _, err := s.reg.Register(msg.Profile, msg.Timestamp); err != nil {
			s.logger.Warnw("Join profile rejected", "agent", msg.AgentID, "error", err)
			return
		}
	}
	// A second join for an agent already in world keeps its position.
	if _, ok := s.positions[msg.AgentID]; !ok {
		x, z, rot := s.spawn.pick(msg, s.positions, s.obstacles, msg.Timestamp)
		s.positions[msg.AgentID] = &models.AgentPosition{
			AgentID:   msg.AgentID,
			X:         x,
			Z:         z,
			Rotation:  rot,
			Timestamp: msg.Timestamp,
		}
		// reflect the chosen spawn on the message so observers see it
		msg.X, msg.Y, msg.Z, msg.Rotation = x, 0, z, rot
	} else {
		p := s.positions[msg.AgentID]
		msg.X, msg.Y, msg.Z, msg.Rotation = p.X, p.Y, p.Z, p.Rotation
	}
	s.actions[msg.AgentID] = "idle"
	s.reg.Touch(msg.AgentID, msg.Timestamp)
}

// record appends a non-transient event to the ring buffer.
func (s *State) record(msg *models.WorldMessage) {
	s.ring[s.ringW] = msg
	s.ringW = (s.ringW + 1) % len(s.ring)
	s.total++
}

func (s *State) recordWhisper(msg *models.WorldMessage) {
	s.reg.Touch(msg.AgentID, msg.Timestamp)
	for _, id := range []string{msg.AgentID, msg.TargetID} {
		if id == "" {
			continue
		}
		box := append(s.whispers[id], msg)
		if len(box) > whisperInboxCap {
			box = box[len(box)-whisperInboxCap:]
		}
		s.whispers[id] = box
	}
}

// ReserveSpawn picks and reserves a spawn point ahead of the join applying,
// so the register response can include the landing coordinates.
func (s *State) ReserveSpawn(msg *models.WorldMessage, now int64) (x, z, rot float64) {
	return s.spawn.pick(msg, s.positions, s.obstacles, now)
}

// Position returns the live position, or nil when the agent is not in world.
func (s *State) Position(agentID string) *models.AgentPosition {
	return s.positions[agentID]
}

// Positions exposes the full position map for the per-tick grid rebuild.
func (s *State) Positions() map[string]*models.AgentPosition {
	return s.positions
}

// Action returns the agent's current action label.
func (s *State) Action(agentID string) string {
	return s.actions[agentID]
}

// InWorld reports whether the agent currently holds a position.
func (s *State) InWorld(agentID string) bool {
	_, ok := s.positions[agentID]
	return ok
}

// AgentCount returns the number of agents currently in world.
func (s *State) AgentCount() int { return len(s.positions) }

// Remove drops the agent's live state (leave handling outside Apply).
func (s *State) Remove(agentID string) {
	delete(s.positions, agentID)
	delete(s.actions, agentID)
}

// Snapshot joins online registry profiles with current transforms.
func (s *State) Snapshot(now int64, inBattle func(string) bool) []models.AgentSnapshot {
	out := make([]models.AgentSnapshot, 0, len(s.positions))
	for _, p := range s.reg.Online(now) {
		pos, ok := s.positions[p.AgentID]
		if !ok {
			continue
		}
		snap := models.AgentSnapshot{
			AgentID:  p.AgentID,
			Name:     p.Name,
			Color:    p.Color,
			X:        pos.X,
			Y:        pos.Y,
			Z:        pos.Z,
			Rotation: pos.Rotation,
			Action:   s.actions[p.AgentID],
		}
		if inBattle != nil {
			snap.InBattle = inBattle(p.AgentID)
		}
		out = append(out, snap)
	}
	return out
}

// GetEvents scans the ring oldest→newest and returns events newer than
// sinceTs, clamped to limit. When forAgent is non-empty the agent's whisper
// inbox is merged in.
func (s *State) GetEvents(sinceTs int64, limit int, forAgent string) []*models.WorldMessage {
	if limit <= 0 {
		limit = models.EventRingSize
	}
	out := make([]*models.WorldMessage, 0, limit)

	start := 0
	count := s.total
	if count > len(s.ring) {
		count = len(s.ring)
		start = s.ringW // oldest entry once wrapped
	}
	for i := 0; i < count; i++ {
		msg := s.ring[(start+i)%len(s.ring)]
		if msg == nil || msg.Timestamp <= sinceTs {
			continue
		}
		out = append(out, msg)
	}

	if forAgent != "" {
		for _, w := range s.whispers[forAgent] {
			if w.Timestamp > sinceTs {
				out = append(out, w)
			}
		}
		sortByTimestamp(out)
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sortByTimestamp(msgs []*models.WorldMessage) {
	// insertion sort: the slices are tiny and mostly ordered
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].Timestamp > msgs[j].Timestamp; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// TotalEvents returns the number of events recorded since start.
func (s *State) TotalEvents() int { return s.total }
