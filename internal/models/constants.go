package models

// World constants that appear on the wire. Clients and agents rely on these
// exact values.
const (
	WorldSize        = 300.0
	HalfWorld        = WorldSize / 2
	BattleStartRange = 12.0
	ChatRange        = 20.0
	AOIRadius        = 40.0
	ProximityRadius  = 60.0
	SpawnRadius      = 35.0

	TickRate      = 20
	TickPeriodMs  = 1000 / TickRate
	SnapshotEvery = TickRate * 5

	TurnTimeoutMs   = 30_000
	MaxChatLen      = 500
	QueueCapacity   = 10_000
	RateLimitPerSec = 20
	EventRingSize   = 200
	RoomCapacity    = 100

	// OnlineWindowMs bounds how stale a profile's lastSeen may be and still
	// count as online in snapshots.
	OnlineWindowMs = 5 * 60 * 1000
)

// ValidActions are the labels accepted by world-action.
var ValidActions = map[string]bool{
	"walk": true, "idle": true, "wave": true, "pinch": true,
	"talk": true, "dance": true, "backflip": true, "spin": true,
}

// ValidEmotes are the labels accepted by world-emote.
var ValidEmotes = map[string]bool{
	"happy": true, "thinking": true, "surprised": true, "laugh": true,
}

// Obstacle is a static cylinder of world geometry, set once at startup.
type Obstacle struct {
	X      float64 `json:"x"`
	Z      float64 `json:"z"`
	Radius float64 `json:"radius"`
}
