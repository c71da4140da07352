// internal/store/keys.go
package store

// Logical key families in the KV. Identifiers are uuid v7 strings, so
// listings by prefix come back in creation order.
const (
	usersPrefix     = "users/"
	usernamesPrefix = "usersByUsername/"
	tokensPrefix    = "tokens/"
	queuePrefix     = "queueentry/"
	roomsPrefix     = "rooms/"
	gamesPrefix     = "games/"
	assignPrefix    = "assignments/"
	RoomListTrigger = "roomlisttrigger"
	ActiveGamesKey  = "activegames"
)

func UserKey(userID string) string       { return usersPrefix + userID }
func UsernameKey(username string) string { return usernamesPrefix + username }
func TokenKey(token string) string       { return tokensPrefix + token }
func QueuePrefix(queueID string) string  { return queuePrefix + queueID + "/" }
func QueueEntryKey(queueID, entryID string) string {
	return queuePrefix + queueID + "/" + entryID
}
func RoomKey(roomID string) string        { return roomsPrefix + roomID }
func RoomsPrefix() string                 { return roomsPrefix }
func GameKey(gameID string) string        { return gamesPrefix + gameID }
func AssignmentKey(entryID string) string { return assignPrefix + entryID }
