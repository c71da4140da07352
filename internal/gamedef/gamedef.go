// Package gamedef declares the contract between the framework and a game
// author. The framework never inspects game payloads; it passes config,
// state, moves, and loadouts through as raw JSON and calls the author's
// pure functions at the appropriate lifecycle points.
package gamedef

import (
	"encoding/json"
	"time"
)

// QueueConfig describes one matchmaking queue exposed by a game.
type QueueConfig struct {
	QueueID    string          `json:"queueId"`
	NumPlayers int             `json:"numPlayers"`
	Config     json.RawMessage `json:"config"`
}

// SetupContext carries everything Setup needs to build the initial state.
// Loadouts are in seat order and may contain nil entries.
type SetupContext struct {
	Config     json.RawMessage
	NumPlayers int
	Loadouts   []json.RawMessage
	Timestamp  time.Time
}

// MoveContext describes one attempted move by the player at seat PlayerID.
type MoveContext struct {
	Config     json.RawMessage
	NumPlayers int
	PlayerID   int
	Timestamp  time.Time
	Move       json.RawMessage
}

// StateContext is the seat-independent context for outcome and public-state
// projections.
type StateContext struct {
	Config     json.RawMessage
	NumPlayers int
	Timestamp  time.Time
}

// PlayerContext is StateContext narrowed to one seat.
type PlayerContext struct {
	Config     json.RawMessage
	NumPlayers int
	PlayerID   int
	Timestamp  time.Time
}

// Definition is a complete game supplied by an author.
//
// All functions must be pure and deterministic in their inputs; the
// framework may call them more than once per logical event (commit retries,
// per-connection fan-out). IsValidLoadout and IsValidRoom are optional; nil
// means everything is accepted.
type Definition struct {
	// Queues maps queueId to its configuration. JoinQueue requests naming
	// an unknown queueId are rejected.
	Queues map[string]QueueConfig

	Setup       func(ctx SetupContext) (json.RawMessage, error)
	IsValidMove func(state json.RawMessage, ctx MoveContext) bool
	ProcessMove func(state json.RawMessage, ctx MoveContext) (json.RawMessage, error)

	// Outcome returns the terminal value for the given state, or nil while
	// the game is still in progress.
	Outcome func(state json.RawMessage, ctx StateContext) json.RawMessage

	PlayerState func(state json.RawMessage, ctx PlayerContext) (json.RawMessage, error)
	PublicState func(state json.RawMessage, ctx StateContext) (json.RawMessage, error)

	IsValidLoadout func(config, loadout json.RawMessage) bool
	IsValidRoom    func(config json.RawMessage, numPlayers int) bool
}

// LoadoutOK reports whether the loadout passes the author's validator.
// A game without a validator accepts every loadout.
func (d *Definition) LoadoutOK(config, loadout json.RawMessage) bool {
	if d.IsValidLoadout == nil {
		return true
	}
	return d.IsValidLoadout(config, loadout)
}

// RoomOK reports whether a room configuration passes the author's validator.
func (d *Definition) RoomOK(config json.RawMessage, numPlayers int) bool {
	if d.IsValidRoom == nil {
		return true
	}
	return d.IsValidRoom(config, numPlayers)
}
