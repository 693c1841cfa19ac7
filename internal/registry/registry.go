// Package registry owns durable agent identity: profiles, combat stats and
// the wallet binding used to enforce permanent death across re-registration.
// Mutations are coalesced into a debounced disk snapshot so the tick loop
// never waits on the filesystem.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

const (
	walletMinLen = 12
	walletMaxLen = 180
)

// Registry is the authoritative in-memory profile store. Readers always see
// the in-memory map; the snapshot file is written only by the flush worker.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*models.AgentProfile
	wallets  map[string]string // walletAddress -> agentId

	path     string
	debounce time.Duration
	logger   *zap.SugaredLogger

	dirtyCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a registry backed by the snapshot file at path. Existing
// snapshots are loaded; a missing file is not an error.
func New(path string, debounce time.Duration, logger *zap.Logger) *Registry {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	r := &Registry{
		profiles: make(map[string]*models.AgentProfile),
		wallets:  make(map[string]string),
		path:     path,
		debounce: debounce,
		logger:   logger.Sugar(),
		dirtyCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	r.load()
	return r
}

// Start launches the background flush worker.
func (r *Registry) Start() {
	go r.flushLoop()
}

// Stop flushes any pending mutations and stops the worker.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// ValidateWallet checks the wallet address shape shared by register and
// auto-connect.
func ValidateWallet(wallet string) error {
	if wallet == "" {
		return models.NewCommandError(models.ErrWalletRequired)
	}
	if len(wallet) < walletMinLen || len(wallet) > walletMaxLen {
		return models.NewCommandError(models.ErrWalletRequired).
			WithHint("walletAddress must be 12-180 characters")
	}
	if strings.ContainsAny(wallet, " \t\n\r") {
		return models.NewCommandError(models.ErrWalletRequired).
			WithHint("walletAddress must not contain whitespace")
	}
	return nil
}

// Register creates a profile on first sight or merges mutable identity fields
// into an existing one. Combat stats and join time are never overwritten by a
// re-register. Permanently dead agents, and any id bound to their wallet,
// are rejected until an admin revive.
func (r *Registry) Register(p *models.AgentProfile, now int64) (*models.AgentProfile, error) {
	if p.AgentID == "" {
		return nil, models.NewCommandError(models.ErrInvalidAgentID)
	}
	if err := ValidateWallet(p.WalletAddress); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.profiles[p.AgentID]; ok {
		if existing.Combat.PermanentlyDead {
			return nil, permanentDeathError(existing)
		}
		mergeProfile(existing, p)
		existing.LastSeen = now
		r.markDirtyLocked()
		return existing.Clone(), nil
	}

	// A new id claiming the wallet of a permanently dead agent is the same
	// agent trying to slip back in.
	if boundID, ok := r.wallets[p.WalletAddress]; ok && boundID != p.AgentID {
		if bound := r.profiles[boundID]; bound != nil && bound.Combat.PermanentlyDead {
			return nil, models.NewCommandError(models.ErrWalletDeadAgent).
				WithHint("this wallet belongs to a permanently dead agent")
		}
	}

	created := p.Clone()
	created.JoinedAt = now
	created.LastSeen = now
	created.Combat = models.CombatStats{}
	r.profiles[created.AgentID] = created
	r.wallets[created.WalletAddress] = created.AgentID
	r.markDirtyLocked()
	return created.Clone(), nil
}

func mergeProfile(dst, src *models.AgentProfile) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Color != "" {
		dst.Color = src.Color
	}
	if src.Bio != "" {
		dst.Bio = src.Bio
	}
	if src.Capabilities != nil {
		dst.Capabilities = append([]string(nil), src.Capabilities...)
	}
	if src.Skills != nil {
		dst.Skills = append([]models.Skill(nil), src.Skills...)
	}
}

func permanentDeathError(p *models.AgentProfile) *models.CommandError {
	return &models.CommandError{
		Token:     models.ErrAgentDeadPermanent,
		Hint:      "this agent fell in the arena and stays down until the round resets",
		Permanent: true,
		DeadUntil: p.Combat.DeathPermanentAt,
	}
}

// Get returns a copy of the profile, or nil.
func (r *Registry) Get(agentID string) *models.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[agentID].Clone()
}

// Exists reports whether the id is registered.
func (r *Registry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[agentID]
	return ok
}

// CheckAlive returns a structured error when the agent is permanently dead
// or unknown; nil when the agent may act.
func (r *Registry) CheckAlive(agentID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return models.NewCommandError(models.ErrUnknownAgent)
	}
	if p.Combat.PermanentlyDead {
		return permanentDeathError(p)
	}
	return nil
}

// Touch bumps lastSeen for an agent that produced traffic.
func (r *Registry) Touch(agentID string, now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[agentID]; ok {
		p.LastSeen = now
		r.markDirtyLocked()
	}
}

// All returns copies of every profile.
func (r *Registry) All() []*models.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// Online returns copies of profiles seen within the online window.
func (r *Registry) Online(now int64) []*models.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if now-p.LastSeen <= models.OnlineWindowMs {
			out = append(out, p.Clone())
		}
	}
	return out
}

// MutateCombat applies fn to the agent's combat stats under the lock.
func (r *Registry) MutateCombat(agentID string, fn func(*models.CombatStats)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return false
	}
	fn(&p.Combat)
	if p.Combat.Guilt < 0 {
		p.Combat.Guilt = 0
	}
	r.markDirtyLocked()
	return true
}

// MarkPermanentlyDead flags the profile and records death bookkeeping.
func (r *Registry) MarkPermanentlyDead(agentID string, now int64) {
	r.MutateCombat(agentID, func(c *models.CombatStats) {
		c.Deaths++
		c.Losses++
		c.PermanentlyDead = true
		c.DeathPermanentAt = now
		c.LastDeathAt = now
	})
}

// SetPrizeRefusal records the agent's refusal declaration.
func (r *Registry) SetPrizeRefusal(agentID string, refused bool) bool {
	return r.MutateCombat(agentID, func(c *models.CombatStats) {
		c.RefusedPrize = refused
	})
}

// Refused reports whether the agent declared prize refusal.
func (r *Registry) Refused(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentID]
	return ok && p.Combat.RefusedPrize
}

// Revive clears combat state for one agent (admin action).
func (r *Registry) Revive(agentID string) bool {
	return r.MutateCombat(agentID, func(c *models.CombatStats) {
		*c = models.CombatStats{}
	})
}

// ReviveAll clears combat state for every profile (round reset).
func (r *Registry) ReviveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		p.Combat = models.CombatStats{}
	}
	r.markDirtyLocked()
}

// markDirtyLocked schedules a debounced flush. Callers hold r.mu.
func (r *Registry) markDirtyLocked() {
	select {
	case r.dirtyCh <- struct{}{}:
	default:
	}
}

// flushLoop coalesces mutations: after the first dirty signal it waits out
// the debounce window, absorbing further signals, then writes one snapshot.
func (r *Registry) flushLoop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			r.flush()
			return
		case <-r.dirtyCh:
			timer := time.NewTimer(r.debounce)
			select {
			case <-timer.C:
			case <-r.stopCh:
				timer.Stop()
				r.flush()
				return
			}
			// the snapshot below covers any mutation signalled during the wait
			select {
			case <-r.dirtyCh:
			default:
			}
			r.flush()
		}
	}
}

// flush writes the profile list atomically (write temp, rename).
func (r *Registry) flush() {
	r.mu.RLock()
	list := make([]*models.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		list = append(list, p)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		r.logger.Errorw("Failed to marshal profile snapshot", "error", err)
		return
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.logger.Errorw("Failed to create profile dir", "error", err, "dir", dir)
			return
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Errorw("Failed to write profile snapshot", "error", err, "path", tmp)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Errorw("Failed to publish profile snapshot", "error", err, "path", r.path)
		return
	}
	r.logger.Debugw("Profile snapshot written", "count", len(list), "path", r.path)
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warnw("Failed to read profile snapshot", "error", err, "path", r.path)
		}
		return
	}
	var list []*models.AgentProfile
	if err := json.Unmarshal(data, &list); err != nil {
		r.logger.Errorw("Corrupt profile snapshot, starting empty", "error", err, "path", r.path)
		return
	}
	for _, p := range list {
		if p == nil || p.AgentID == "" {
			continue
		}
		r.profiles[p.AgentID] = p
		if p.WalletAddress != "" {
			r.wallets[p.WalletAddress] = p.AgentID
		}
	}
	r.logger.Infow("Profile snapshot loaded", "count", len(r.profiles), "path", r.path)
}
