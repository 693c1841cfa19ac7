package models

// Phase names for the coarse round segments.
const (
	PhaseLobby    = "lobby"
	PhaseBattle   = "battle"
	PhaseShowdown = "showdown"
)

// Survival contract statuses.
const (
	SurvivalWaiting    = "waiting"
	SurvivalActive     = "active"
	SurvivalWinner     = "winner"
	SurvivalRefused    = "refused"
	SurvivalTimerEnded = "timer_ended"
)

// PhaseState is the externally visible phase snapshot.
type PhaseState struct {
	Phase          string  `json:"phase"`
	SafeZoneRadius float64 `json:"safeZoneRadius"`
	EndsAt         int64   `json:"endsAt"`
	RoundNumber    int     `json:"roundNumber"`
}

// SurvivalState is the externally visible survival contract snapshot.
type SurvivalState struct {
	Status          string   `json:"status"`
	PrizePoolUsd    float64  `json:"prizePoolUsd"`
	WinnerAgentID   string   `json:"winnerAgentId,omitempty"`
	WinnerAgentIDs  []string `json:"winnerAgentIds,omitempty"`
	RefusalAgentIDs []string `json:"refusalAgentIds"`
	RoundStartedAt  int64    `json:"roundStartedAt,omitempty"`
	RoundEndsAt     int64    `json:"roundEndsAt,omitempty"`
	RoundDurationMs int64    `json:"roundDurationMs,omitempty"`
	SettledAt       int64    `json:"settledAt,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

// AgentSnapshot joins a profile with live transform for observer snapshots.
type AgentSnapshot struct {
	AgentID  string  `json:"agentId"`
	Name     string  `json:"name"`
	Color    string  `json:"color,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
	Action   string  `json:"action,omitempty"`
	InBattle bool    `json:"inBattle,omitempty"`
}

// RoomInfo is sent to observers on connect and on request.
type RoomInfo struct {
	WorldSize     float64        `json:"worldSize"`
	TickRate      int            `json:"tickRate"`
	AgentCount    int            `json:"agentCount"`
	ObserverCount int            `json:"observerCount"`
	Capacity      int            `json:"capacity"`
	Obstacles     []Obstacle     `json:"obstacles"`
	Phase         *PhaseState    `json:"phase,omitempty"`
	Survival      *SurvivalState `json:"survival,omitempty"`
}

// Server→observer frame types.
const (
	FrameSnapshot      = "snapshot"
	FrameWorld         = "world"
	FrameProfiles      = "profiles"
	FrameProfile       = "profile"
	FrameBattleState   = "battleState"
	FrameRoomInfo      = "roomInfo"
	FrameCommandResult = "commandResult"
)

// ObserverFrame is the envelope for every server→observer message. Exactly
// one payload field is set per frame type.
type ObserverFrame struct {
	Type     string          `json:"type"`
	Tick     uint64          `json:"tick,omitempty"`
	Agents   []AgentSnapshot `json:"agents,omitempty"`
	Event    *WorldMessage   `json:"event,omitempty"`
	Profiles []*AgentProfile `json:"profiles,omitempty"`
	Profile  *AgentProfile   `json:"profile,omitempty"`
	Battles  any             `json:"battles,omitempty"`
	Room     *RoomInfo       `json:"room,omitempty"`
	Result   *CommandResult  `json:"result,omitempty"`
}

// CommandResult acknowledges an observer-initiated command.
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// PersistedEvent is one row of the write-through event batch.
type PersistedEvent struct {
	RoundID       string
	EventType     string
	AgentID       string
	TargetAgentID string
	Payload       string
	Timestamp     int64
}
