// Package hub holds the single-process fan-out components: LobbyHub for
// lobby connections and GameHub for per-game connection bundles. Hubs own
// their connections; connections never outlive their hub. Entity locks are
// never held across store operations or channel sends that could block.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/store"
)

// outBuffer is the per-connection outbound channel depth. A consumer that
// falls this far behind is dropped rather than allowed to stall fan-out for
// everyone else.
const outBuffer = 16

// canon returns the canonical serialization of v. Equality of these bytes
// is the suppression criterion for repeated outbound updates.
func canon(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// canonRaw canonicalizes opaque JSON by round-tripping it through a generic
// value, so client-supplied baselines compare equal to server marshaling
// regardless of whitespace or key order. nil stays nil.
func canonRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	return canon(v)
}

// matchEntry tracks one pending matchmaking entry owned by a lobby
// connection, together with its assignment watcher.
type matchEntry struct {
	kind    string // "queue" or "room"
	id      string // queueId or roomId
	entryID string
	cancel  context.CancelFunc
}

// lobbyCache holds the canonical bytes of the last payload sent for each
// lobby-props field.
type lobbyCache struct {
	activeGames     []byte
	availableRooms  []byte
	userActiveGames []byte
	player          []byte
	roomEntries     []byte
	queueEntries    []byte
}

// LobbyConn is the hub-owned state for one lobby connection. Out is drained
// by the connection's write pump and closed by the hub.
type LobbyConn struct {
	ID     string
	UserID string
	Out    chan protocol.LobbyEvent

	cancel context.CancelFunc // stops all watchers owned by this connection

	mu      sync.Mutex
	closed  bool
	player  store.Player
	last    lobbyCache
	entries map[string]*matchEntry
}

// send queues an event, dropping the connection if its buffer is full.
// Callers must hold c.mu. Returns false once the connection is closed.
func (c *LobbyConn) send(ev protocol.LobbyEvent) bool {
	if c.closed {
		return false
	}
	select {
	case c.Out <- ev:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// closeLocked tears the connection down: watchers cancelled, Out closed so
// the write pump drains and exits. Callers must hold c.mu.
func (c *LobbyConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.Out)
}

// gameCache holds the canonical bytes of the last (playerState, publicState,
// outcome) triple sent to one game connection, and the record version they
// were projected from.
type gameCache struct {
	version int64
	player  []byte
	public  []byte
	outcome []byte
}

// GameConn is the hub-owned state for one game connection. PlayerID is the
// connection's seat, or -1 for observers. A connection receives no updates
// until its initialize seeds the cache; ready flips exactly once.
type GameConn struct {
	ID       string
	PlayerID int
	Out      chan protocol.GameEvent

	mu     sync.Mutex
	closed bool
	ready  bool
	last   gameCache
}

// send queues an event, dropping the connection if its buffer is full.
// Callers must hold c.mu.
func (c *GameConn) send(ev protocol.GameEvent) bool {
	if c.closed {
		return false
	}
	select {
	case c.Out <- ev:
		return true
	default:
		c.closeLocked()
		return false
	}
}

func (c *GameConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.Out)
}
