// Package protocol defines the JSON message surface of the lobby and game
// channels. Messages are flat envelopes dispatched on a "type" field;
// opaque game payloads pass through as raw JSON.
package protocol

import (
	"encoding/json"

	"github.com/parlorgames/parlor/internal/store"
)

// Lobby channel inbound message types.
const (
	LobbyInitialize        = "initialize"
	LobbyJoinQueue         = "join_queue"
	LobbyCreateAndJoinRoom = "create_and_join_room"
	LobbyJoinRoom          = "join_room"
	LobbyCommitRoom        = "commit_room"
	LobbyLeaveMatchmaking  = "leave_matchmaking"
	LobbyUpdateUsername    = "update_username"
)

// Lobby channel outbound message types.
const (
	EventGameAssignment   = "game_assignment"
	EventUpdateLobbyProps = "update_lobby_props"
	EventDisplayError     = "display_error"
)

// Game channel inbound message types.
const (
	GameInitialize = "initialize"
	GameMove       = "move"
)

// Game channel outbound message types.
const (
	EventUpdateGameState = "update_game_state"
)

// LobbyRequest is any inbound lobby-channel message; which fields are
// meaningful depends on Type.
type LobbyRequest struct {
	Type string `json:"type"`

	// initialize
	ActiveGames    []store.ActiveGame    `json:"activeGames,omitempty"`
	AvailableRooms []store.AvailableRoom `json:"availableRooms,omitempty"`

	// join_queue
	QueueID string `json:"queueId,omitempty"`

	// create_and_join_room / join_room / commit_room
	RoomID     string          `json:"roomId,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	NumPlayers int             `json:"numPlayers,omitempty"`
	Private    bool            `json:"private,omitempty"`

	// join_queue / create_and_join_room / join_room
	Loadout json.RawMessage `json:"loadout,omitempty"`

	// update_username
	Username string `json:"username,omitempty"`
}

// LobbyProps is the partial payload of an update_lobby_props event. Nil
// fields are unchanged; non-nil fields replace the client's copy.
type LobbyProps struct {
	AllActiveGames    *[]store.ActiveGame    `json:"allActiveGames,omitempty"`
	AllAvailableRooms *[]store.AvailableRoom `json:"allAvailableRooms,omitempty"`
	UserActiveGames   *[]string              `json:"userActiveGames,omitempty"`
	Player            *store.Player          `json:"player,omitempty"`
	RoomEntries       *[]store.RoomEntryRef  `json:"roomEntries,omitempty"`
	QueueEntries      *[]store.QueueEntryRef `json:"queueEntries,omitempty"`
}

// Empty reports whether the partial carries no fields at all.
func (p LobbyProps) Empty() bool {
	return p.AllActiveGames == nil && p.AllAvailableRooms == nil &&
		p.UserActiveGames == nil && p.Player == nil &&
		p.RoomEntries == nil && p.QueueEntries == nil
}

// LobbyEvent is any outbound lobby-channel message.
type LobbyEvent struct {
	Type       string      `json:"type"`
	GameID     string      `json:"gameId,omitempty"`     // game_assignment
	Message    string      `json:"message,omitempty"`    // display_error
	LobbyProps *LobbyProps `json:"lobbyProps,omitempty"` // update_lobby_props
}

// GameRequest is any inbound game-channel message.
type GameRequest struct {
	Type string `json:"type"`

	// initialize: the client's asserted baseline
	CurrentPublicState json.RawMessage `json:"currentPublicState,omitempty"`
	CurrentPlayerState json.RawMessage `json:"currentPlayerState,omitempty"`

	// move
	Move json.RawMessage `json:"move,omitempty"`
}

// GameEvent is any outbound game-channel message.
type GameEvent struct {
	Type        string          `json:"type"`
	PublicState json.RawMessage `json:"publicState,omitempty"`
	PlayerState json.RawMessage `json:"playerState,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
}
