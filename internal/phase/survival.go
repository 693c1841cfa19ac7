package phase

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

// ContractEnv is the survival contract's view of the engine.
type ContractEnv struct {
	Now func() int64
	// Living returns agents currently in world and not permanently dead.
	Living  func() []string
	Refused func(agentID string) bool
	// OnSettle runs when an active round settles (winner, refused or
	// timer_ended); Reset does not call it.
	OnSettle func(state models.SurvivalState)
}

// Contract tracks the round-level prize and settlement rules. Calls are
// serialized by the engine.
type Contract struct {
	env    ContractEnv
	logger *zap.SugaredLogger
	state  models.SurvivalState
}

func NewContract(env ContractEnv, logger *zap.Logger) *Contract {
	return &Contract{
		env:    env,
		logger: logger.Sugar(),
		state: models.SurvivalState{
			Status:          models.SurvivalWaiting,
			RefusalAgentIDs: []string{},
		},
	}
}

// State returns a copy of the contract snapshot.
func (c *Contract) State() models.SurvivalState {
	cp := c.state
	cp.RefusalAgentIDs = append([]string(nil), c.state.RefusalAgentIDs...)
	cp.WinnerAgentIDs = append([]string(nil), c.state.WinnerAgentIDs...)
	return cp
}

// CombatAllowed returns nil only while the round is active.
func (c *Contract) CombatAllowed() error {
	if c.state.Status == models.SurvivalActive {
		return nil
	}
	return models.NewCommandError(models.ErrSurvivalRoundClosed).
		WithHint("the survival round is not active")
}

// RegistrationOpen reports whether new registrations are accepted. A settled
// round (winner or refused) closes the door until reset.
func (c *Contract) RegistrationOpen() bool {
	switch c.state.Status {
	case models.SurvivalWinner, models.SurvivalRefused:
		return false
	}
	return true
}

// Start opens the round (admin). A positive durationMs arms the timer.
func (c *Contract) Start(prizePoolUsd float64, durationMs int64) error {
	if c.state.Status == models.SurvivalActive {
		return models.NewCommandError(models.ErrInvalidArgs).WithHint("round already active")
	}
	now := c.env.Now()
	c.state = models.SurvivalState{
		Status:          models.SurvivalActive,
		PrizePoolUsd:    prizePoolUsd,
		RefusalAgentIDs: []string{},
		RoundStartedAt:  now,
	}
	if durationMs > 0 {
		c.state.RoundDurationMs = durationMs
		c.state.RoundEndsAt = now + durationMs
	}
	c.logger.Infow("Survival round started", "prizePoolUsd", prizePoolUsd, "endsAt", c.state.RoundEndsAt)
	return nil
}

// Reset returns the contract to waiting. The engine revives the dead,
// dissolves battles and ejects agents around this call.
func (c *Contract) Reset() {
	c.state = models.SurvivalState{
		Status:          models.SurvivalWaiting,
		RefusalAgentIDs: []string{},
	}
	c.logger.Infow("Survival round reset")
}

// Refuse records the agent's prize refusal declaration.
func (c *Contract) Refuse(agentID string) {
	for _, id := range c.state.RefusalAgentIDs {
		if id == agentID {
			return
		}
	}
	c.state.RefusalAgentIDs = append(c.state.RefusalAgentIDs, agentID)
}

// Tick settles the round when the timer expires. Called once per second.
func (c *Contract) Tick(now int64) {
	if c.state.Status != models.SurvivalActive || c.state.RoundEndsAt == 0 {
		return
	}
	if now < c.state.RoundEndsAt {
		return
	}
	survivors := c.nonRefusers(c.env.Living())
	c.state.Status = models.SurvivalTimerEnded
	c.state.SettledAt = now
	c.state.WinnerAgentIDs = survivors
	if len(survivors) > 0 {
		c.state.Summary = fmt.Sprintf("round timer expired; %d survivors split $%.2f", len(survivors), c.state.PrizePoolUsd)
	} else {
		c.state.Summary = "round timer expired with no eligible survivors"
	}
	c.logger.Infow("Survival round timer ended", "survivors", len(survivors))
	c.settle()
}

// Reevaluate checks the live-winner conditions. The engine calls it after
// every death and leave.
func (c *Contract) Reevaluate() {
	if c.state.Status != models.SurvivalActive {
		return
	}
	living := c.env.Living()
	if len(living) == 0 {
		return
	}
	survivors := c.nonRefusers(living)
	now := c.env.Now()
	switch {
	case len(survivors) == 1:
		c.state.Status = models.SurvivalWinner
		c.state.WinnerAgentID = survivors[0]
		c.state.SettledAt = now
		c.state.Summary = fmt.Sprintf("%s is the last one standing and claims $%.2f", survivors[0], c.state.PrizePoolUsd)
		c.logger.Infow("Survival round won", "winner", survivors[0])
		c.settle()
	case len(survivors) == 0:
		c.state.Status = models.SurvivalRefused
		c.state.SettledAt = now
		c.state.Summary = "every living agent refused the prize; no payout"
		c.logger.Infow("Survival round refused by all survivors")
		c.settle()
	}
}

func (c *Contract) nonRefusers(living []string) []string {
	out := make([]string, 0, len(living))
	for _, id := range living {
		if !c.env.Refused(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Contract) settle() {
	if c.env.OnSettle != nil {
		c.env.OnSettle(c.State())
	}
}
