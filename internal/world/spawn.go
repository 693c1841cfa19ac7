package world

import (
	"math"
	"math/rand"

	"github.com/openwalc/arena-server/internal/models"
)

const (
	spawnMargin        = 6.0   // clamp distance from the island edge
	spawnAttempts      = 48
	spawnSpacing       = 4.8   // min distance to another agent or reservation
	spawnObstacleGap   = 1.2   // clearance beyond an obstacle radius
	spawnReservationMs = 20_000
	fallbackInner      = 12.0
	fallbackOuter      = 22.0
)

type reservation struct {
	x, z      float64
	expiresAt int64
}

// spawner picks join positions and briefly reserves them so a burst of joins
// does not stack agents on the same point.
type spawner struct {
	rng          *rand.Rand
	reservations []reservation
}

func newSpawner(seed int64) *spawner {
	return &spawner{rng: rand.New(rand.NewSource(seed))}
}

func clampToIsland(v float64) float64 {
	limit := models.HalfWorld - spawnMargin
	return math.Max(-limit, math.Min(limit, v))
}

// pick returns the spawn point for a join. Explicit finite coordinates are
// clamped to the island interior and used verbatim.
func (s *spawner) pick(msg *models.WorldMessage, positions map[string]*models.AgentPosition, obstacles []models.Obstacle, now int64) (x, z, rot float64) {
	s.expire(now)

	if msg.HasSpawn {
		return clampToIsland(msg.X), clampToIsland(msg.Z), msg.Rotation
	}

	for attempt := 0; attempt < spawnAttempts; attempt++ {
		// sqrt(U) scaling keeps density uniform across the disc.
		r := models.SpawnRadius * math.Sqrt(s.rng.Float64())
		theta := s.rng.Float64() * 2 * math.Pi
		cx, cz := r*math.Cos(theta), r*math.Sin(theta)
		if s.clear(cx, cz, positions, obstacles) {
			s.reserve(cx, cz, now)
			return cx, cz, s.rng.Float64() * 2 * math.Pi
		}
	}

	// Crowded disc: fall back to a random point in the annulus.
	r := fallbackInner + s.rng.Float64()*(fallbackOuter-fallbackInner)
	theta := s.rng.Float64() * 2 * math.Pi
	cx, cz := r*math.Cos(theta), r*math.Sin(theta)
	s.reserve(cx, cz, now)
	return cx, cz, s.rng.Float64() * 2 * math.Pi
}

func (s *spawner) clear(x, z float64, positions map[string]*models.AgentPosition, obstacles []models.Obstacle) bool {
	spacing2 := spawnSpacing * spawnSpacing
	for _, p := range positions {
		dx, dz := p.X-x, p.Z-z
		if dx*dx+dz*dz < spacing2 {
			return false
		}
	}
	for _, res := range s.reservations {
		dx, dz := res.x-x, res.z-z
		if dx*dx+dz*dz < spacing2 {
			return false
		}
	}
	for _, ob := range obstacles {
		dx, dz := ob.X-x, ob.Z-z
		min := ob.Radius + spawnObstacleGap
		if dx*dx+dz*dz < min*min {
			return false
		}
	}
	return true
}

func (s *spawner) reserve(x, z float64, now int64) {
	s.reservations = append(s.reservations, reservation{x: x, z: z, expiresAt: now + spawnReservationMs})
}

func (s *spawner) expire(now int64) {
	kept := s.reservations[:0]
	for _, res := range s.reservations {
		if res.expiresAt > now {
			kept = append(kept, res)
		}
	}
	s.reservations = kept
}
