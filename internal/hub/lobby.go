// internal/hub/lobby.go
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/matchmaker"
	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/store"
)

// LobbyHub fans lobby-wide and per-user changes out to every lobby
// connection and translates inbound matchmaking requests.
type LobbyHub struct {
	store *store.Store
	mm    *matchmaker.Matchmaker
	def   *gamedef.Definition
	log   *logrus.Logger

	mu    sync.Mutex
	conns map[string]*LobbyConn
}

func NewLobbyHub(s *store.Store, mm *matchmaker.Matchmaker, def *gamedef.Definition, log *logrus.Logger) *LobbyHub {
	return &LobbyHub{
		store: s,
		mm:    mm,
		def:   def,
		log:   log,
		conns: make(map[string]*LobbyConn),
	}
}

// Start launches the hub's two global fan-outs: the active-games listing and
// the available-rooms listing. Each subscribes once and diffs per
// connection.
func (h *LobbyHub) Start(ctx context.Context) {
	go func() {
		for games := range h.store.WatchActiveGames(ctx) {
			h.broadcastActiveGames(games)
		}
	}()
	go func() {
		for rooms := range h.store.WatchAvailableRooms(ctx) {
			h.broadcastAvailableRooms(rooms)
		}
	}()
}

// Register creates the hub-owned state for a new lobby connection and
// starts its user-changes subscription. The returned connection's Out
// channel is drained by the caller's write pump.
func (h *LobbyHub) Register(ctx context.Context, user store.User) *LobbyConn {
	connCtx, cancel := context.WithCancel(ctx)
	conn := &LobbyConn{
		ID:      store.NewID(),
		UserID:  user.UserID,
		Out:     make(chan protocol.LobbyEvent, outBuffer),
		cancel:  cancel,
		player:  user.Player,
		entries: make(map[string]*matchEntry),
	}
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	go func() {
		for u := range h.store.WatchUser(connCtx, user.UserID) {
			h.applyUserUpdate(conn, u)
		}
	}()

	h.log.WithFields(logrus.Fields{
		"connId": conn.ID,
		"userId": user.UserID,
	}).Info("lobby connection registered")
	return conn
}

// Unregister tears a connection down: watchers cancelled, pending
// matchmaking entries removed from the store (leave-on-disconnect), and the
// connection dropped from the hub. Safe to call more than once.
func (h *LobbyHub) Unregister(ctx context.Context, conn *LobbyConn) {
	h.mu.Lock()
	delete(h.conns, conn.ID)
	h.mu.Unlock()

	conn.mu.Lock()
	conn.closeLocked()
	conn.mu.Unlock()

	h.leaveMatchmaking(ctx, conn)
	h.log.WithField("connId", conn.ID).Info("lobby connection unregistered")
}

// Handle dispatches one inbound lobby message.
func (h *LobbyHub) Handle(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	switch req.Type {
	case protocol.LobbyInitialize:
		h.handleInitialize(conn, req)
	case protocol.LobbyJoinQueue:
		h.handleJoinQueue(ctx, conn, req)
	case protocol.LobbyCreateAndJoinRoom:
		h.handleCreateAndJoinRoom(ctx, conn, req)
	case protocol.LobbyJoinRoom:
		h.handleJoinRoom(ctx, conn, req)
	case protocol.LobbyCommitRoom:
		h.handleCommitRoom(ctx, conn, req)
	case protocol.LobbyLeaveMatchmaking:
		h.leaveMatchmaking(ctx, conn)
	case protocol.LobbyUpdateUsername:
		h.handleUpdateUsername(ctx, conn, req)
	default:
		h.log.WithFields(logrus.Fields{
			"connId": conn.ID,
			"type":   req.Type,
		}).Warn("unknown lobby message type")
	}
}

// handleInitialize seeds the last-sent caches from the client's asserted
// baseline so the next broadcast only carries a diff.
func (h *LobbyHub) handleInitialize(conn *LobbyConn, req protocol.LobbyRequest) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.last.activeGames = canon(req.ActiveGames)
	conn.last.availableRooms = canon(req.AvailableRooms)
}

func (h *LobbyHub) handleJoinQueue(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	qc, ok := h.def.Queues[req.QueueID]
	if !ok {
		h.displayError(conn, "unknown queue: "+req.QueueID)
		return
	}
	if !h.def.LoadoutOK(qc.Config, req.Loadout) {
		h.displayError(conn, "loadout rejected")
		return
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	player := conn.player
	entry := h.trackEntryLocked(conn, "queue", req.QueueID)
	conn.mu.Unlock()

	if err := h.mm.AddToQueue(ctx, qc, entry.entryID, conn.UserID, player, req.Loadout); err != nil {
		h.dropEntry(conn, entry.entryID)
		if errors.Is(err, matchmaker.ErrAlreadyQueued) {
			h.displayError(conn, "already waiting in this queue")
			return
		}
		h.log.WithField("connId", conn.ID).Warnf("join queue failed: %v", err)
		h.displayError(conn, "failed to join queue")
	}
}

func (h *LobbyHub) handleCreateAndJoinRoom(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	if req.NumPlayers < 1 || !h.def.RoomOK(req.Config, req.NumPlayers) {
		h.displayError(conn, "room configuration rejected")
		return
	}
	if !h.def.LoadoutOK(req.Config, req.Loadout) {
		h.displayError(conn, "loadout rejected")
		return
	}
	// Checked before creating so a rejected join cannot strand an empty room.
	if user, _, err := h.store.GetUser(ctx, conn.UserID); err == nil && len(user.RoomEntries) > 0 {
		h.displayError(conn, "already in a room")
		return
	}
	roomID := store.NewID()
	if err := h.mm.CreateRoom(ctx, roomID, req.NumPlayers, req.Config, req.Private); err != nil {
		h.log.WithField("connId", conn.ID).Warnf("create room failed: %v", err)
		h.displayError(conn, "failed to create room")
		return
	}
	h.joinRoom(ctx, conn, roomID, req.Loadout)
}

func (h *LobbyHub) handleJoinRoom(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	var room store.Room
	ver, err := h.store.Load(ctx, store.RoomKey(req.RoomID), &room)
	if err != nil {
		h.log.WithField("connId", conn.ID).Warnf("join room read failed: %v", err)
		h.displayError(conn, "failed to join room")
		return
	}
	if ver == 0 {
		h.displayError(conn, "room not found")
		return
	}
	if len(room.Members) >= room.NumPlayers {
		h.displayError(conn, "room is full")
		return
	}
	if !h.def.LoadoutOK(room.Config, req.Loadout) {
		h.displayError(conn, "loadout rejected")
		return
	}
	h.joinRoom(ctx, conn, req.RoomID, req.Loadout)
}

func (h *LobbyHub) joinRoom(ctx context.Context, conn *LobbyConn, roomID string, loadout json.RawMessage) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	player := conn.player
	entry := h.trackEntryLocked(conn, "room", roomID)
	conn.mu.Unlock()

	if err := h.mm.AddToRoom(ctx, roomID, entry.entryID, conn.UserID, player, loadout); err != nil {
		h.dropEntry(conn, entry.entryID)
		switch {
		case errors.Is(err, matchmaker.ErrRoomFull):
			h.displayError(conn, "room is full")
		case errors.Is(err, matchmaker.ErrAlreadyInRoom):
			h.displayError(conn, "already in a room")
		case errors.Is(err, store.ErrNotFound):
			h.displayError(conn, "room not found")
		default:
			h.log.WithField("connId", conn.ID).Warnf("join room failed: %v", err)
			h.displayError(conn, "failed to join room")
		}
	}
}

func (h *LobbyHub) handleCommitRoom(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	err := h.mm.CommitRoom(ctx, req.RoomID)
	switch {
	case err == nil:
	case errors.Is(err, matchmaker.ErrRoomUnderfull):
		h.displayError(conn, "room does not have enough players")
	case errors.Is(err, store.ErrNotFound):
		h.displayError(conn, "room not found")
	default:
		h.log.WithField("connId", conn.ID).Warnf("commit room failed: %v", err)
		h.displayError(conn, "failed to start game")
	}
}

// handleUpdateUsername renames the user. Unchanged or taken names are
// silent no-ops per the lobby contract.
func (h *LobbyHub) handleUpdateUsername(ctx context.Context, conn *LobbyConn, req protocol.LobbyRequest) {
	if req.Username == "" {
		return
	}
	err := h.store.UpdateUsername(ctx, conn.UserID, req.Username)
	if err != nil && !errors.Is(err, store.ErrUsernameTaken) {
		h.log.WithField("connId", conn.ID).Warnf("update username failed: %v", err)
	}
}

// trackEntryLocked mints an entry id, records it on the connection, and
// starts its assignment watcher. Callers must hold conn.mu.
func (h *LobbyHub) trackEntryLocked(conn *LobbyConn, kind, id string) *matchEntry {
	watchCtx, cancel := context.WithCancel(context.Background())
	entry := &matchEntry{
		kind:    kind,
		id:      id,
		entryID: store.NewID(),
		cancel:  cancel,
	}
	conn.entries[entry.entryID] = entry

	go func() {
		defer cancel()
		for a := range h.store.WatchAssignment(watchCtx, entry.entryID) {
			conn.mu.Lock()
			delete(conn.entries, entry.entryID)
			conn.send(protocol.LobbyEvent{
				Type:   protocol.EventGameAssignment,
				GameID: a.GameID,
			})
			conn.mu.Unlock()
			return
		}
	}()
	return entry
}

// dropEntry cancels an entry's watcher and forgets it, without touching the
// store. Used when the matchmaking request itself failed.
func (h *LobbyHub) dropEntry(conn *LobbyConn, entryID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if entry, ok := conn.entries[entryID]; ok {
		entry.cancel()
		delete(conn.entries, entryID)
	}
}

// leaveMatchmaking cancels every assignment watcher the connection owns and
// removes its pending entries from the store.
func (h *LobbyHub) leaveMatchmaking(ctx context.Context, conn *LobbyConn) {
	conn.mu.Lock()
	entries := make([]*matchEntry, 0, len(conn.entries))
	for _, e := range conn.entries {
		entries = append(entries, e)
	}
	conn.entries = make(map[string]*matchEntry)
	conn.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		var err error
		if entry.kind == "queue" {
			err = h.mm.RemoveFromQueue(ctx, entry.id, entry.entryID)
		} else {
			err = h.mm.RemoveFromRoom(ctx, entry.id, entry.entryID)
		}
		if err != nil {
			h.log.WithFields(logrus.Fields{
				"connId":  conn.ID,
				"entryId": entry.entryID,
			}).Warnf("failed to remove matchmaking entry: %v", err)
		}
	}
}

func (h *LobbyHub) displayError(conn *LobbyConn, msg string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.send(protocol.LobbyEvent{
		Type:    protocol.EventDisplayError,
		Message: msg,
	})
}

// snapshot returns the current connection set without holding the hub lock
// during per-connection work.
func (h *LobbyHub) snapshot() []*LobbyConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*LobbyConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

func (h *LobbyHub) broadcastActiveGames(games []store.ActiveGame) {
	payload := canon(games)
	for _, conn := range h.snapshot() {
		conn.mu.Lock()
		if !bytes.Equal(conn.last.activeGames, payload) {
			conn.last.activeGames = payload
			conn.send(protocol.LobbyEvent{
				Type:       protocol.EventUpdateLobbyProps,
				LobbyProps: &protocol.LobbyProps{AllActiveGames: &games},
			})
		}
		conn.mu.Unlock()
	}
}

func (h *LobbyHub) broadcastAvailableRooms(rooms []store.AvailableRoom) {
	payload := canon(rooms)
	for _, conn := range h.snapshot() {
		conn.mu.Lock()
		if !bytes.Equal(conn.last.availableRooms, payload) {
			conn.last.availableRooms = payload
			conn.send(protocol.LobbyEvent{
				Type:       protocol.EventUpdateLobbyProps,
				LobbyProps: &protocol.LobbyProps{AllAvailableRooms: &rooms},
			})
		}
		conn.mu.Unlock()
	}
}

// applyUserUpdate diffs a fresh user record against the connection's
// last-sent caches and emits a partial with only the changed fields.
func (h *LobbyHub) applyUserUpdate(conn *LobbyConn, u store.User) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.player = u.Player

	var props protocol.LobbyProps
	if b := canon(u.ActiveGames); !bytes.Equal(conn.last.userActiveGames, b) {
		conn.last.userActiveGames = b
		games := u.ActiveGames
		props.UserActiveGames = &games
	}
	if b := canon(u.Player); !bytes.Equal(conn.last.player, b) {
		conn.last.player = b
		player := u.Player
		props.Player = &player
	}
	if b := canon(u.RoomEntries); !bytes.Equal(conn.last.roomEntries, b) {
		conn.last.roomEntries = b
		rooms := u.RoomEntries
		props.RoomEntries = &rooms
	}
	if b := canon(u.QueueEntries); !bytes.Equal(conn.last.queueEntries, b) {
		conn.last.queueEntries = b
		queues := u.QueueEntries
		props.QueueEntries = &queues
	}
	if props.Empty() {
		return
	}
	conn.send(protocol.LobbyEvent{
		Type:       protocol.EventUpdateLobbyProps,
		LobbyProps: &props,
	})
}
