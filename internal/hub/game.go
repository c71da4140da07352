// internal/hub/game.go
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/runtime"
	"github.com/parlorgames/parlor/internal/store"
)

// ObserverSeat marks a connection with no seat in the game.
const ObserverSeat = -1

// GameHub keeps one changes-reader and a connection bundle per game, and
// projects each persisted state change into per-connection updates.
type GameHub struct {
	store *store.Store
	def   *gamedef.Definition
	rt    *runtime.Runtime
	log   *logrus.Logger

	ctx context.Context // hub lifetime; parent of every changes-reader

	mu      sync.Mutex
	bundles map[string]*gameBundle
}

// gameBundle is the per-game connection registry. The first registration
// starts the changes-reader; the last departure cancels it.
type gameBundle struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*GameConn
}

func NewGameHub(s *store.Store, def *gamedef.Definition, rt *runtime.Runtime, log *logrus.Logger) *GameHub {
	return &GameHub{
		store:   s,
		def:     def,
		rt:      rt,
		log:     log,
		bundles: make(map[string]*gameBundle),
	}
}

// Start binds the hub's lifetime context. Changes-readers are parented to
// it rather than to any single connection's request context, so the reader
// outlives the connection that happened to register first.
func (h *GameHub) Start(ctx context.Context) {
	h.ctx = ctx
}

// Register attaches a connection to a game's bundle. playerID is the seat
// this connection controls, or ObserverSeat.
func (h *GameHub) Register(gameID string, playerID int) *GameConn {
	conn := &GameConn{
		ID:       store.NewID(),
		PlayerID: playerID,
		Out:      make(chan protocol.GameEvent, outBuffer),
	}

	base := h.ctx
	if base == nil {
		base = context.Background()
	}

	h.mu.Lock()
	bundle, ok := h.bundles[gameID]
	if !ok {
		readerCtx, cancel := context.WithCancel(base)
		bundle = &gameBundle{
			cancel: cancel,
			conns:  make(map[string]*GameConn),
		}
		h.bundles[gameID] = bundle
		go h.readChanges(readerCtx, gameID, bundle)
	}
	h.mu.Unlock()

	bundle.mu.Lock()
	bundle.conns[conn.ID] = conn
	bundle.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"gameId":   gameID,
		"connId":   conn.ID,
		"playerId": playerID,
	}).Info("game connection registered")
	return conn
}

// Unregister detaches a connection; when the bundle empties, its
// changes-reader is cancelled and the bundle destroyed.
func (h *GameHub) Unregister(gameID string, conn *GameConn) {
	conn.mu.Lock()
	conn.closeLocked()
	conn.mu.Unlock()

	h.mu.Lock()
	bundle, ok := h.bundles[gameID]
	if !ok {
		h.mu.Unlock()
		return
	}
	bundle.mu.Lock()
	delete(bundle.conns, conn.ID)
	empty := len(bundle.conns) == 0
	bundle.mu.Unlock()
	if empty {
		bundle.cancel()
		delete(h.bundles, gameID)
	}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"gameId": gameID,
		"connId": conn.ID,
	}).Info("game connection unregistered")
}

// Initialize seeds the connection's cache from the client's asserted
// baseline, then performs one fresh read and diff so any divergence is
// corrected exactly once.
func (h *GameHub) Initialize(ctx context.Context, gameID string, conn *GameConn, req protocol.GameRequest) {
	conn.mu.Lock()
	conn.last.public = canonRaw(req.CurrentPublicState)
	conn.last.player = canonRaw(req.CurrentPlayerState)
	conn.ready = true
	conn.mu.Unlock()

	game, ver, err := h.store.GetGame(ctx, gameID)
	if err != nil {
		h.log.WithField("gameId", gameID).Warnf("initialize read failed: %v", err)
		return
	}
	h.fanOutTo(gameID, game, ver, []*GameConn{conn})
}

// Move delegates to the runtime. Observer connections are rejected
// silently.
func (h *GameHub) Move(ctx context.Context, gameID string, conn *GameConn, move json.RawMessage) {
	if conn.PlayerID == ObserverSeat {
		return
	}
	if err := h.rt.HandleMove(ctx, gameID, conn.PlayerID, move); err != nil {
		h.log.WithFields(logrus.Fields{
			"gameId":   gameID,
			"playerId": conn.PlayerID,
		}).Warnf("move failed: %v", err)
	}
}

// readChanges is the bundle's single sequential changes-reader.
func (h *GameHub) readChanges(ctx context.Context, gameID string, bundle *gameBundle) {
	for snap := range h.store.WatchGame(ctx, gameID) {
		bundle.mu.Lock()
		conns := make([]*GameConn, 0, len(bundle.conns))
		for _, c := range bundle.conns {
			conns = append(conns, c)
		}
		bundle.mu.Unlock()
		h.fanOutTo(gameID, snap.Game, snap.Version, conns)
	}
}

// fanOutTo projects a game record for the given connections: the public
// state once, the player state per seated connection, suppressed when the
// canonical (playerState, publicState, outcome) triple is unchanged. The
// record's versionstamp orders the initialize read against the bundle
// reader; a snapshot older than the last one a connection saw is dropped.
// The channel is closed after the first event carrying a defined outcome.
func (h *GameHub) fanOutTo(gameID string, game store.Game, version int64, conns []*GameConn) {
	now := time.Now()
	stateCtx := gamedef.StateContext{
		Config:     game.Config,
		NumPlayers: len(game.Players),
		Timestamp:  now,
	}
	public, err := h.def.PublicState(game.GameState, stateCtx)
	if err != nil {
		h.log.WithField("gameId", gameID).Warnf("public state projection failed: %v", err)
		return
	}
	publicCanon := canonRaw(public)
	outcomeCanon := canonRaw(game.Outcome)

	for _, conn := range conns {
		var playerState json.RawMessage
		if conn.PlayerID != ObserverSeat {
			playerState, err = h.def.PlayerState(game.GameState, gamedef.PlayerContext{
				Config:     game.Config,
				NumPlayers: len(game.Players),
				PlayerID:   conn.PlayerID,
				Timestamp:  now,
			})
			if err != nil {
				h.log.WithFields(logrus.Fields{
					"gameId":   gameID,
					"playerId": conn.PlayerID,
				}).Warnf("player state projection failed: %v", err)
				continue
			}
		}
		playerCanon := canonRaw(playerState)

		conn.mu.Lock()
		if conn.closed || !conn.ready || version < conn.last.version {
			conn.mu.Unlock()
			continue
		}
		conn.last.version = version
		if bytes.Equal(conn.last.public, publicCanon) &&
			bytes.Equal(conn.last.player, playerCanon) &&
			bytes.Equal(conn.last.outcome, outcomeCanon) {
			conn.mu.Unlock()
			continue
		}
		conn.last.public = publicCanon
		conn.last.player = playerCanon
		conn.last.outcome = outcomeCanon
		sent := conn.send(protocol.GameEvent{
			Type:        protocol.EventUpdateGameState,
			PublicState: public,
			PlayerState: playerState,
			Outcome:     game.Outcome,
		})
		if sent && game.Finished() {
			// Terminal update delivered; the channel ends here.
			conn.closeLocked()
		}
		conn.mu.Unlock()
	}
}
