package world

import (
	"math"

	"github.com/openwalc/arena-server/internal/models"
)

const gridCellSize = 10.0

type cellKey struct {
	cx, cz int
}

// Grid is a uniform 2D index over the x,z plane. It is rebuilt from the full
// position map every tick; at arena population (≤100 agents) a full rebuild
// is cheaper and simpler than incremental bookkeeping.
type Grid struct {
	cells map[cellKey][]string
	pos   map[string]models.AgentPosition
}

func NewGrid() *Grid {
	return &Grid{
		cells: make(map[cellKey][]string),
		pos:   make(map[string]models.AgentPosition),
	}
}

func keyFor(x, z float64) cellKey {
	return cellKey{
		cx: int(math.Floor(x / gridCellSize)),
		cz: int(math.Floor(z / gridCellSize)),
	}
}

// Rebuild replaces the index with the given positions.
func (g *Grid) Rebuild(positions map[string]*models.AgentPosition) {
	g.cells = make(map[cellKey][]string, len(positions))
	g.pos = make(map[string]models.AgentPosition, len(positions))
	for id, p := range positions {
		k := keyFor(p.X, p.Z)
		g.cells[k] = append(g.cells[k], id)
		g.pos[id] = *p
	}
}

// QueryRadius returns the ids whose distance from (x,z) is at most r.
func (g *Grid) QueryRadius(x, z, r float64) map[string]bool {
	out := make(map[string]bool)
	if r < 0 {
		return out
	}
	minX := int(math.Floor((x - r) / gridCellSize))
	maxX := int(math.Floor((x + r) / gridCellSize))
	minZ := int(math.Floor((z - r) / gridCellSize))
	maxZ := int(math.Floor((z + r) / gridCellSize))
	r2 := r * r
	for cx := minX; cx <= maxX; cx++ {
		for cz := minZ; cz <= maxZ; cz++ {
			for _, id := range g.cells[cellKey{cx, cz}] {
				p := g.pos[id]
				dx, dz := p.X-x, p.Z-z
				if dx*dx+dz*dz <= r2 {
					out[id] = true
				}
			}
		}
	}
	return out
}
