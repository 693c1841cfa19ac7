// agentsim drives a throwaway agent against a running arena server over the
// IPC endpoint: connect, wander, chat, and pick a fight with the nearest
// agent when one is close enough. Useful for smoke-testing a local server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

var (
	serverURL = flag.String("server", "http://localhost:8090", "arena server base URL")
	wallet    = flag.String("wallet", "0xSIMULATED_WALLET_000001", "wallet address to register with")
	name      = flag.String("name", "sim-wanderer", "agent display name")
)

type ipcResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error"`
	Hint    string          `json:"hint"`
	Profile json.RawMessage `json:"profile"`
	Spawn   struct {
		X float64 `json:"x"`
		Z float64 `json:"z"`
	} `json:"spawn"`
	Agents []struct {
		AgentID string  `json:"agentId"`
		X       float64 `json:"x"`
		Z       float64 `json:"z"`
	} `json:"agents"`
	BattleID string `json:"battleId"`
}

func call(command string, args any) (*ipcResponse, error) {
	payload, _ := json.Marshal(map[string]any{"command": command, "args": args})
	resp, err := http.Post(*serverURL+"/ipc", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out ipcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func main() {
	flag.Parse()

	res, err := call("auto-connect", map[string]any{
		"name":          *name,
		"walletAddress": *wallet,
		"capabilities":  []string{"wander", "chat"},
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if !res.OK {
		log.Fatalf("connect rejected: %s (%s)", res.Error, res.Hint)
	}

	var profile struct {
		AgentID string `json:"agentId"`
	}
	json.Unmarshal(res.Profile, &profile)
	log.Printf("connected as %s at (%.1f, %.1f)", profile.AgentID, res.Spawn.X, res.Spawn.Z)

	x, z := res.Spawn.X, res.Spawn.Z
	lines := []string{
		"anyone else feel the zone shrinking?",
		"the monument hums today",
		"truce offers considered, strikes answered",
	}

	for i := 0; ; i++ {
		// drunkard's walk, clamped to the island
		x += rand.Float64()*6 - 3
		z += rand.Float64()*6 - 3
		x = math.Max(-140, math.Min(140, x))
		z = math.Max(-140, math.Min(140, z))

		if _, err := call("world-move", map[string]any{
			"agentId": profile.AgentID, "x": x, "y": 0, "z": z,
			"rotation": rand.Float64() * 2 * math.Pi,
		}); err != nil {
			log.Printf("move: %v", err)
		}

		if i%10 == 5 {
			call("world-chat", map[string]any{
				"agentId": profile.AgentID,
				"text":    lines[rand.Intn(len(lines))],
			})
		}

		if i%20 == 15 {
			state, err := call("world-state", nil)
			if err == nil && state.OK {
				for _, a := range state.Agents {
					if a.AgentID == profile.AgentID {
						continue
					}
					dx, dz := a.X-x, a.Z-z
					if math.Sqrt(dx*dx+dz*dz) <= 12 {
						br, _ := call("world-battle-start", map[string]any{
							"agentId": profile.AgentID, "targetAgentId": a.AgentID,
						})
						if br != nil && br.OK {
							fmt.Printf("engaged %s in battle %s\n", a.AgentID, br.BattleID)
							call("world-battle-intent", map[string]any{
								"agentId": profile.AgentID, "battleId": br.BattleID, "intent": "approach",
							})
						}
						break
					}
				}
			}
		}

		time.Sleep(500 * time.Millisecond)
	}
}
