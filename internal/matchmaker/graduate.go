// internal/matchmaker/graduate.go
package matchmaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/store"
)

// seatSource is one graduating entry, in seat order.
type seatSource struct {
	entryID string
	userID  string
	loadout json.RawMessage
}

type entryKind int

const (
	queueEntryKind entryKind = iota
	roomEntryKind
)

// MaybeGraduate promotes the queue's first numPlayers entries into a new
// game. Fewer waiting entries is a successful no-op. Concurrent graduations
// of the same queue are resolved by the commit preconditions: the loser
// retries, observes the entries are gone, and no-ops.
func (m *Matchmaker) MaybeGraduate(ctx context.Context, qc gamedef.QueueConfig) error {
	return m.store.Retry(ctx, "graduate_queue", func(ctx context.Context) error {
		entries, err := m.store.KV().ListPrefix(ctx, store.QueuePrefix(qc.QueueID))
		if err != nil {
			return err
		}
		if len(entries) < qc.NumPlayers {
			return nil
		}
		entries = entries[:qc.NumPlayers]

		seats := make([]seatSource, len(entries))
		checks := make([]kv.Check, 0, len(entries))
		writes := make([]kv.Write, 0, len(entries))
		for i, e := range entries {
			var entry store.QueueEntry
			if err := json.Unmarshal(e.Value, &entry); err != nil {
				return err
			}
			seats[i] = seatSource{
				entryID: e.Key[len(store.QueuePrefix(qc.QueueID)):],
				userID:  entry.UserID,
				loadout: entry.Loadout,
			}
			checks = append(checks, kv.Check{Key: e.Key, Version: e.Version})
			writes = append(writes, kv.Write{Key: e.Key, Delete: true})
		}
		return m.graduate(ctx, queueEntryKind, qc.Config, qc.NumPlayers, seats, checks, writes)
	})
}

// CommitRoom promotes all current members of a room into a game. Unlike
// queue graduation it fails loudly: a missing room is ErrNotFound and an
// underfull room is ErrRoomUnderfull.
func (m *Matchmaker) CommitRoom(ctx context.Context, roomID string) error {
	return m.store.Retry(ctx, "commit_room", func(ctx context.Context) error {
		var room store.Room
		roomVer, err := m.store.Require(ctx, store.RoomKey(roomID), &room)
		if err != nil {
			return err
		}
		if len(room.Members) < room.NumPlayers {
			return ErrRoomUnderfull
		}
		seats := make([]seatSource, len(room.Members))
		for i, member := range room.Members {
			seats[i] = seatSource{
				entryID: member.EntryID,
				userID:  member.UserID,
				loadout: member.Loadout,
			}
		}
		checks := []kv.Check{{Key: store.RoomKey(roomID), Version: roomVer}}
		writes := []kv.Write{
			{Key: store.RoomKey(roomID), Delete: true},
			triggerBump(),
		}
		return m.graduate(ctx, roomEntryKind, room.Config, room.NumPlayers, seats, checks, writes)
	})
}

// graduate builds and submits the single atomic commit that creates the
// game: the appended active-games listing, the game record, one assignment
// per seat, and the updated record of every participating user, each under
// its own precondition. Any conflict surfaces as kv.ErrConflict for the
// caller's retry loop.
func (m *Matchmaker) graduate(ctx context.Context, kind entryKind, config json.RawMessage, numPlayers int, seats []seatSource, checks []kv.Check, writes []kv.Write) error {
	gameID := store.NewID()
	now := time.Now()

	// A user can hold at most one entry per source, but merge defensively so
	// a duplicated user still gets exactly one check and one write.
	type userState struct {
		user    store.User
		version int64
		entries []string
	}
	byUser := make(map[string]*userState)
	order := make([]string, 0, len(seats))
	for _, seat := range seats {
		us, ok := byUser[seat.userID]
		if !ok {
			user, ver, err := m.store.GetUser(ctx, seat.userID)
			if err != nil {
				return err
			}
			us = &userState{user: user, version: ver}
			byUser[seat.userID] = us
			order = append(order, seat.userID)
		}
		us.entries = append(us.entries, seat.entryID)
	}

	players := make([]store.Player, len(seats))
	userIDs := make([]string, len(seats))
	loadouts := make([]json.RawMessage, len(seats))
	for i, seat := range seats {
		players[i] = byUser[seat.userID].user.Player
		userIDs[i] = seat.userID
		loadouts[i] = seat.loadout
	}

	activeGames, agVer, err := m.store.GetActiveGames(ctx)
	if err != nil {
		return err
	}

	state, err := m.def.Setup(gamedef.SetupContext{
		Config:     config,
		NumPlayers: numPlayers,
		Loadouts:   loadouts,
		Timestamp:  now,
	})
	if err != nil {
		return err
	}

	gameWrite, err := store.PutWrite(store.GameKey(gameID), store.Game{
		Config:    config,
		GameState: state,
		UserIDs:   userIDs,
		Players:   players,
	})
	if err != nil {
		return err
	}
	activeGames = append(activeGames, store.ActiveGame{
		GameID:  gameID,
		Players: players,
		Config:  config,
		Created: now.UnixMilli(),
	})
	agWrite, err := store.PutWrite(store.ActiveGamesKey, activeGames)
	if err != nil {
		return err
	}

	checks = append(checks,
		kv.Check{Key: store.ActiveGamesKey, Version: agVer},
		kv.Check{Key: store.GameKey(gameID), Version: 0},
	)
	writes = append(writes, agWrite, gameWrite)

	for _, seat := range seats {
		assignWrite, err := store.PutWrite(store.AssignmentKey(seat.entryID), store.Assignment{GameID: gameID})
		if err != nil {
			return err
		}
		checks = append(checks, kv.Check{Key: store.AssignmentKey(seat.entryID), Version: 0})
		writes = append(writes, assignWrite)
	}

	for _, userID := range order {
		us := byUser[userID]
		for _, entryID := range us.entries {
			if kind == queueEntryKind {
				us.user.QueueEntries = dropQueueRef(us.user.QueueEntries, entryID)
			} else {
				us.user.RoomEntries = dropRoomRef(us.user.RoomEntries, entryID)
			}
		}
		us.user.ActiveGames = append(us.user.ActiveGames, gameID)
		userWrite, err := store.PutWrite(store.UserKey(userID), us.user)
		if err != nil {
			return err
		}
		checks = append(checks, kv.Check{Key: store.UserKey(userID), Version: us.version})
		writes = append(writes, userWrite)
	}

	if err := m.store.KV().Commit(ctx, checks, writes); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"gameId":  gameID,
		"players": len(seats),
	}).Info("graduated entries into new game")
	return nil
}
