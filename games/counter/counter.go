// Package counter is a deliberately small example game: players share a
// counter and race to push it to the configured target. It exercises every
// author callback and is the default game wired by cmd/server.
package counter

import (
	"encoding/json"
	"fmt"

	"github.com/parlorgames/parlor/internal/gamedef"
)

const DefaultTarget = 5

type config struct {
	Target int `json:"target"`
}

type state struct {
	Value int `json:"value"`
}

type move struct {
	Action string `json:"action"`
}

type loadout struct {
	Color string `json:"color,omitempty"`
}

func parseConfig(raw json.RawMessage) config {
	cfg := config{Target: DefaultTarget}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cfg)
	}
	if cfg.Target < 1 {
		cfg.Target = DefaultTarget
	}
	return cfg
}

// Definition returns the counter game's author contract.
func Definition() *gamedef.Definition {
	return &gamedef.Definition{
		Queues: map[string]gamedef.QueueConfig{
			"duel": {
				QueueID:    "duel",
				NumPlayers: 2,
				Config:     json.RawMessage(`{"target":5}`),
			},
			"party": {
				QueueID:    "party",
				NumPlayers: 4,
				Config:     json.RawMessage(`{"target":10}`),
			},
		},

		Setup: func(ctx gamedef.SetupContext) (json.RawMessage, error) {
			return json.Marshal(state{Value: 0})
		},

		IsValidMove: func(raw json.RawMessage, ctx gamedef.MoveContext) bool {
			var mv move
			if err := json.Unmarshal(ctx.Move, &mv); err != nil {
				return false
			}
			return mv.Action == "increment"
		},

		ProcessMove: func(raw json.RawMessage, ctx gamedef.MoveContext) (json.RawMessage, error) {
			var st state
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, fmt.Errorf("counter: bad state: %w", err)
			}
			st.Value++
			return json.Marshal(st)
		},

		Outcome: func(raw json.RawMessage, ctx gamedef.StateContext) json.RawMessage {
			var st state
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil
			}
			if st.Value >= parseConfig(ctx.Config).Target {
				return json.RawMessage(`"done"`)
			}
			return nil
		},

		PublicState: func(raw json.RawMessage, ctx gamedef.StateContext) (json.RawMessage, error) {
			var st state
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, fmt.Errorf("counter: bad state: %w", err)
			}
			return json.Marshal(map[string]int{"currentValue": st.Value})
		},

		PlayerState: func(raw json.RawMessage, ctx gamedef.PlayerContext) (json.RawMessage, error) {
			var st state
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, fmt.Errorf("counter: bad state: %w", err)
			}
			return json.Marshal(map[string]int{
				"playerId": ctx.PlayerID,
				"value":    st.Value,
			})
		},

		IsValidLoadout: func(cfg, raw json.RawMessage) bool {
			if len(raw) == 0 {
				return true
			}
			var lo loadout
			if err := json.Unmarshal(raw, &lo); err != nil {
				return false
			}
			return len(lo.Color) <= 16
		},

		IsValidRoom: func(cfg json.RawMessage, numPlayers int) bool {
			return numPlayers >= 2 && numPlayers <= 8
		},
	}
}
