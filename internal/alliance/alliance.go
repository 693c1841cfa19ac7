// Package alliance tracks voluntary agent groupings. An agent belongs to at
// most one alliance; allies cannot start battles against each other, and
// phase transitions trim groups down to the active size cap.
package alliance

import (
	"github.com/google/uuid"
)

// Manager is not self-locking; calls are serialized by the engine.
type Manager struct {
	groups    map[string][]string // groupID -> members in join order
	member    map[string]string   // agentID -> groupID
	proposals map[string]map[string]bool
	maxSize   int
}

func New(maxSize int) *Manager {
	if maxSize < 2 {
		maxSize = 2
	}
	return &Manager{
		groups:    make(map[string][]string),
		member:    make(map[string]string),
		proposals: make(map[string]map[string]bool),
		maxSize:   maxSize,
	}
}

// Propose records a's offer to b. When b has a standing offer to a the
// alliance forms (or a joins b's group) and Propose reports formed=true with
// the resulting member list.
func (m *Manager) Propose(a, b string) (formed bool, members []string) {
	if a == b {
		return false, nil
	}
	if m.Allied(a, b) {
		return false, m.Members(a)
	}
	if targets, ok := m.proposals[b]; ok && targets[a] {
		delete(targets, a)
		members = m.join(a, b)
		// a full group rejects the join; the proposal is consumed either way
		return members != nil, members
	}
	if m.proposals[a] == nil {
		m.proposals[a] = make(map[string]bool)
	}
	m.proposals[a][b] = true
	return false, nil
}

func (m *Manager) join(a, b string) []string {
	ga, gb := m.member[a], m.member[b]
	switch {
	case ga == "" && gb == "":
		id := uuid.NewString()
		m.groups[id] = []string{b, a}
		m.member[a], m.member[b] = id, id
	case ga == "":
		if len(m.groups[gb]) >= m.maxSize {
			return nil
		}
		m.groups[gb] = append(m.groups[gb], a)
		m.member[a] = gb
	case gb == "":
		if len(m.groups[ga]) >= m.maxSize {
			return nil
		}
		m.groups[ga] = append(m.groups[ga], b)
		m.member[b] = ga
	default:
		if ga == gb {
			return m.groups[ga]
		}
		// merging two groups is allowed only if the result fits the cap
		if len(m.groups[ga])+len(m.groups[gb]) > m.maxSize {
			return nil
		}
		for _, id := range m.groups[gb] {
			m.member[id] = ga
		}
		m.groups[ga] = append(m.groups[ga], m.groups[gb]...)
		delete(m.groups, gb)
	}
	return m.Members(a)
}

// Leave removes the agent from its alliance and clears its proposals.
func (m *Manager) Leave(agentID string) []string {
	delete(m.proposals, agentID)
	for _, targets := range m.proposals {
		delete(targets, agentID)
	}
	gid, ok := m.member[agentID]
	if !ok {
		return nil
	}
	delete(m.member, agentID)
	kept := m.groups[gid][:0]
	for _, id := range m.groups[gid] {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	if len(kept) < 2 {
		for _, id := range kept {
			delete(m.member, id)
		}
		delete(m.groups, gid)
		return nil
	}
	m.groups[gid] = kept
	return append([]string(nil), kept...)
}

// Allied reports whether two agents share an alliance.
func (m *Manager) Allied(a, b string) bool {
	ga, ok := m.member[a]
	if !ok {
		return false
	}
	return ga == m.member[b]
}

// Members returns the agent's alliance member list, or nil.
func (m *Manager) Members(agentID string) []string {
	gid, ok := m.member[agentID]
	if !ok {
		return nil
	}
	return append([]string(nil), m.groups[gid]...)
}

// SetMaxSize updates the cap and trims oversized groups, newest members
// first. It returns the trimmed agent ids per group.
func (m *Manager) SetMaxSize(maxSize int) [][]string {
	if maxSize < 2 {
		maxSize = 2
	}
	m.maxSize = maxSize
	var trimmed [][]string
	for gid, members := range m.groups {
		if len(members) <= maxSize {
			continue
		}
		cut := members[maxSize:]
		m.groups[gid] = members[:maxSize]
		for _, id := range cut {
			delete(m.member, id)
		}
		trimmed = append(trimmed, append([]string(nil), cut...))
	}
	return trimmed
}

// Reset clears every alliance and proposal.
func (m *Manager) Reset() {
	m.groups = make(map[string][]string)
	m.member = make(map[string]string)
	m.proposals = make(map[string]map[string]bool)
}
