// internal/store/records.go
package store

import "encoding/json"

// Player is the public identity of a user, snapshotted into games at
// creation time.
type Player struct {
	Username string `json:"username"`
	IsGuest  bool   `json:"isGuest"`
}

// QueueEntryRef points from a user record back to one of their queue entries.
type QueueEntryRef struct {
	QueueID string `json:"queueId"`
	EntryID string `json:"entryId"`
}

// RoomEntryRef points from a user record back to one of their room entries.
type RoomEntryRef struct {
	RoomID  string `json:"roomId"`
	EntryID string `json:"entryId"`
}

// User is the persistent record for one identity.
type User struct {
	UserID       string          `json:"userId"`
	Player       Player          `json:"player"`
	ActiveGames  []string        `json:"activeGames"`
	RoomEntries  []RoomEntryRef  `json:"roomEntries"`
	QueueEntries []QueueEntryRef `json:"queueEntries"`
}

// Token is a bearer credential tying connections to a user. Expiration is
// unix seconds; a token at or past its expiration is rejected.
type Token struct {
	UserID     string `json:"userId"`
	Expiration int64  `json:"expiration"`
}

// QueueEntry is one waiting entry in a matchmaking queue. Timestamp is unix
// milliseconds at join time.
type QueueEntry struct {
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
	Player    Player          `json:"player"`
	Loadout   json.RawMessage `json:"loadout,omitempty"`
}

// RoomMember is one member of a room, in join order.
type RoomMember struct {
	EntryID   string          `json:"entryId"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
	Player    Player          `json:"player"`
	Loadout   json.RawMessage `json:"loadout,omitempty"`
}

// Room is an explicitly managed membership set that graduates into a game on
// commit.
type Room struct {
	NumPlayers int             `json:"numPlayers"`
	Config     json.RawMessage `json:"config"`
	Private    bool            `json:"private"`
	Members    []RoomMember    `json:"members"`
}

// Game is the persistent record of one game. Outcome is nil while the game
// is in progress; once set it is terminal and immutable.
type Game struct {
	Config    json.RawMessage `json:"config"`
	GameState json.RawMessage `json:"gameState"`
	UserIDs   []string        `json:"userIds"`
	Players   []Player        `json:"players"`
	Outcome   json.RawMessage `json:"outcome,omitempty"`
}

// Finished reports whether the game has a terminal outcome.
func (g Game) Finished() bool { return len(g.Outcome) > 0 }

// ActiveGame is one element of the public active-games listing.
type ActiveGame struct {
	GameID  string          `json:"gameId"`
	Players []Player        `json:"players"`
	Config  json.RawMessage `json:"config"`
	Created int64           `json:"created"`
}

// Assignment carries a gameId back to the waiting entry that produced it.
// Written exactly once per entry.
type Assignment struct {
	GameID string `json:"gameId"`
}

// AvailableRoom is one element of the public room listing (private rooms
// excluded).
type AvailableRoom struct {
	RoomID     string          `json:"roomId"`
	NumPlayers int             `json:"numPlayers"`
	Config     json.RawMessage `json:"config"`
	Players    []Player        `json:"players"`
}
