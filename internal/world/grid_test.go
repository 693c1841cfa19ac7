package world

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/openwalc/arena-server/internal/models"
)

func positionsAt(coords map[string][2]float64) map[string]*models.AgentPosition {
	out := make(map[string]*models.AgentPosition, len(coords))
	for id, c := range coords {
		out[id] = &models.AgentPosition{AgentID: id, X: c[0], Z: c[1]}
	}
	return out
}

func TestQueryRadiusExact(t *testing.T) {
	g := NewGrid()
	g.Rebuild(positionsAt(map[string][2]float64{
		"center":   {0, 0},
		"near":     {3, 4},   // distance 5
		"boundary": {0, 10},  // exactly r
		"far":      {50, 50}, // way out
	}))

	got := g.QueryRadius(0, 0, 10)
	for _, want := range []string{"center", "near", "boundary"} {
		if !got[want] {
			t.Errorf("%s should be inside r=10", want)
		}
	}
	if got["far"] {
		t.Error("far must not match")
	}
}

func TestQueryRadiusCrossesCells(t *testing.T) {
	g := NewGrid()
	// neighbors straddling a cell boundary at x=10
	g.Rebuild(positionsAt(map[string][2]float64{
		"left":  {9.9, 0},
		"right": {10.1, 0},
	}))
	got := g.QueryRadius(10, 0, 1)
	if !got["left"] || !got["right"] {
		t.Errorf("query must scan all intersecting cells, got %v", got)
	}
}

func TestQueryRadiusNegativeCoords(t *testing.T) {
	g := NewGrid()
	g.Rebuild(positionsAt(map[string][2]float64{
		"sw": {-145, -145},
	}))
	if got := g.QueryRadius(-140, -140, 10); !got["sw"] {
		t.Error("negative-quadrant agents must be indexed correctly")
	}
}

func TestRebuildReplacesIndex(t *testing.T) {
	g := NewGrid()
	g.Rebuild(positionsAt(map[string][2]float64{"ghost": {0, 0}}))
	g.Rebuild(positionsAt(map[string][2]float64{"solid": {1, 1}}))

	got := g.QueryRadius(0, 0, 5)
	if got["ghost"] {
		t.Error("rebuild must drop stale agents")
	}
	if !got["solid"] {
		t.Error("rebuild must index the new set")
	}
}

// The grid must agree with the brute-force scan for random populations.
func TestQueryRadiusMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	coords := make(map[string][2]float64)
	for i := 0; i < 100; i++ {
		coords[fmt.Sprintf("agent-%d", i)] = [2]float64{
			rng.Float64()*300 - 150,
			rng.Float64()*300 - 150,
		}
	}
	g := NewGrid()
	g.Rebuild(positionsAt(coords))

	for trial := 0; trial < 20; trial++ {
		qx := rng.Float64()*300 - 150
		qz := rng.Float64()*300 - 150
		r := rng.Float64() * 60

		got := g.QueryRadius(qx, qz, r)
		for id, c := range coords {
			dx, dz := c[0]-qx, c[1]-qz
			inside := dx*dx+dz*dz <= r*r
			if inside != got[id] {
				t.Fatalf("trial %d: %s mismatch (inside=%v, got=%v)", trial, id, inside, got[id])
			}
		}
	}
}
