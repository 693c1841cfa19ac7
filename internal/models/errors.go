package models

// Reason tokens returned in the IPC error envelope and by queue validation.
const (
	ErrInvalidAgentID       = "invalid_agent_id"
	ErrInvalidTimestamp     = "invalid_timestamp"
	ErrRateLimited          = "rate_limited"
	ErrInvalidPosition      = "invalid_position"
	ErrOutOfBounds          = "out_of_bounds"
	ErrCollision            = "collision"
	ErrInvalidText          = "invalid_text"
	ErrTextTooLong          = "text_too_long"
	ErrQueueFull            = "queue_full"
	ErrAgentDead            = "agent_dead"
	ErrAgentDeadPermanent   = "agent_dead_permanent"
	ErrAgentBanned          = "agent_banned"
	ErrAgentInBattle        = "agent_in_battle"
	ErrSurvivalRoundClosed  = "survival_round_closed"
	ErrCombatPhaseLocked    = "combat_phase_locked"
	ErrCannotAttackAlly     = "cannot_attack_ally"
	ErrUnknownTargetAgent   = "unknown_target_agent"
	ErrTooFar               = "too_far"
	ErrInvalidIntent        = "invalid_intent"
	ErrAgentRefusedViolence = "agent_refused_violence"
	ErrWalletRequired       = "wallet_address_required"
	ErrWalletDeadAgent      = "wallet_belongs_to_dead_agent"
	ErrRoomFull             = "Room is full"
	ErrUnknownAgent         = "unknown_agent"
	ErrUnknownBattle        = "battle_not_found"
	ErrDuplicateTxHash      = "duplicate_txHash_in_flight"
	ErrUnknownCommand       = "unknown_command"
	ErrInvalidArgs          = "invalid_args"
	ErrAlreadySubmitted     = "intent_already_submitted"
	ErrNotParticipant       = "not_a_participant"
	ErrSelfTarget           = "cannot_target_self"
	ErrUnauthorized         = "unauthorized"
)

// CommandError is a structured game-rule or validation failure surfaced to
// the caller through the IPC envelope. It carries no server state mutation.
type CommandError struct {
	Token        string `json:"error"`
	Hint         string `json:"hint,omitempty"`
	DeadUntil    int64  `json:"deadUntil,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Permanent    bool   `json:"permanent,omitempty"`
}

func (e *CommandError) Error() string { return e.Token }

// NewCommandError builds a bare token error.
func NewCommandError(token string) *CommandError {
	return &CommandError{Token: token}
}

// WithHint attaches a human-readable hint for the agent.
func (e *CommandError) WithHint(hint string) *CommandError {
	e.Hint = hint
	return e
}

// AsCommandError normalizes any error into a CommandError so handlers always
// produce the structured envelope.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CommandError); ok {
		return ce
	}
	return &CommandError{Token: "internal_error", Hint: err.Error()}
}
