// Package matchmaker owns queue and room lifecycle and the graduation of
// waiting entries into freshly created games. Every mutation is a single
// atomic KV commit built from explicit version preconditions; contention is
// absorbed by the store's retry loop.
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/store"
)

var (
	// ErrRoomExists reports a CreateRoom id collision.
	ErrRoomExists = errors.New("matchmaker: room already exists")
	// ErrRoomFull reports an AddToRoom against a room at capacity.
	ErrRoomFull = errors.New("matchmaker: room is full")
	// ErrRoomUnderfull reports a CommitRoom with fewer members than seats.
	ErrRoomUnderfull = errors.New("matchmaker: room does not have enough players")
	// ErrAlreadyQueued reports a second entry for the same user and queue.
	ErrAlreadyQueued = errors.New("matchmaker: user already waiting in this queue")
	// ErrAlreadyInRoom reports a room join while the user still occupies one.
	ErrAlreadyInRoom = errors.New("matchmaker: user already in a room")
)

// Matchmaker exposes the queue and room operations for one game definition.
type Matchmaker struct {
	store *store.Store
	def   *gamedef.Definition
	log   *logrus.Logger
}

func New(s *store.Store, def *gamedef.Definition, log *logrus.Logger) *Matchmaker {
	return &Matchmaker{store: s, def: def, log: log}
}

// AddToQueue inserts a queue entry and appends it to the user's record in
// one commit, then attempts graduation.
func (m *Matchmaker) AddToQueue(ctx context.Context, qc gamedef.QueueConfig, entryID, userID string, player store.Player, loadout json.RawMessage) error {
	entryKey := store.QueueEntryKey(qc.QueueID, entryID)
	err := m.store.Retry(ctx, "add_to_queue", func(ctx context.Context) error {
		user, userVer, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		// One entry per user per queue; a second join would let the same
		// user occupy multiple seats of one game.
		for _, ref := range user.QueueEntries {
			if ref.QueueID == qc.QueueID {
				return ErrAlreadyQueued
			}
		}
		user.QueueEntries = append(user.QueueEntries, store.QueueEntryRef{
			QueueID: qc.QueueID,
			EntryID: entryID,
		})
		entryWrite, err := store.PutWrite(entryKey, store.QueueEntry{
			Timestamp: time.Now().UnixMilli(),
			UserID:    userID,
			Player:    player,
			Loadout:   loadout,
		})
		if err != nil {
			return err
		}
		userWrite, err := store.PutWrite(store.UserKey(userID), user)
		if err != nil {
			return err
		}
		return m.store.KV().Commit(ctx,
			[]kv.Check{
				{Key: entryKey, Version: 0},
				{Key: store.UserKey(userID), Version: userVer},
			},
			[]kv.Write{entryWrite, userWrite},
		)
	})
	if err != nil {
		return err
	}
	return m.MaybeGraduate(ctx, qc)
}

// RemoveFromQueue deletes a queue entry and the owning user's reference to
// it. Absent entries are a silent no-op.
func (m *Matchmaker) RemoveFromQueue(ctx context.Context, queueID, entryID string) error {
	entryKey := store.QueueEntryKey(queueID, entryID)
	return m.store.Retry(ctx, "remove_from_queue", func(ctx context.Context) error {
		var entry store.QueueEntry
		entryVer, err := m.store.Load(ctx, entryKey, &entry)
		if err != nil {
			return err
		}
		if entryVer == 0 {
			return nil
		}
		user, userVer, err := m.store.GetUser(ctx, entry.UserID)
		if err != nil {
			return err
		}
		user.QueueEntries = dropQueueRef(user.QueueEntries, entryID)
		userWrite, err := store.PutWrite(store.UserKey(entry.UserID), user)
		if err != nil {
			return err
		}
		return m.store.KV().Commit(ctx,
			[]kv.Check{
				{Key: entryKey, Version: entryVer},
				{Key: store.UserKey(entry.UserID), Version: userVer},
			},
			[]kv.Write{
				{Key: entryKey, Delete: true},
				userWrite,
			},
		)
	})
}

// CreateRoom creates an empty room and bumps the room-list trigger. Fails
// with ErrRoomExists if the id is taken.
func (m *Matchmaker) CreateRoom(ctx context.Context, roomID string, numPlayers int, config json.RawMessage, private bool) error {
	roomWrite, err := store.PutWrite(store.RoomKey(roomID), store.Room{
		NumPlayers: numPlayers,
		Config:     config,
		Private:    private,
		Members:    []store.RoomMember{},
	})
	if err != nil {
		return err
	}
	err = m.store.KV().Commit(ctx,
		[]kv.Check{{Key: store.RoomKey(roomID), Version: 0}},
		[]kv.Write{roomWrite, triggerBump()},
	)
	if errors.Is(err, kv.ErrConflict) {
		return ErrRoomExists
	}
	return err
}

// AddToRoom appends a member to a room and the entry to the user's record.
// Fails if the room is absent or full.
func (m *Matchmaker) AddToRoom(ctx context.Context, roomID, entryID, userID string, player store.Player, loadout json.RawMessage) error {
	return m.store.Retry(ctx, "add_to_room", func(ctx context.Context) error {
		var room store.Room
		roomVer, err := m.store.Require(ctx, store.RoomKey(roomID), &room)
		if err != nil {
			return err
		}
		if len(room.Members) >= room.NumPlayers {
			return ErrRoomFull
		}
		user, userVer, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		// A user occupies at most one room at a time.
		if len(user.RoomEntries) > 0 {
			return ErrAlreadyInRoom
		}
		room.Members = append(room.Members, store.RoomMember{
			EntryID:   entryID,
			Timestamp: time.Now().UnixMilli(),
			UserID:    userID,
			Player:    player,
			Loadout:   loadout,
		})
		user.RoomEntries = append(user.RoomEntries, store.RoomEntryRef{
			RoomID:  roomID,
			EntryID: entryID,
		})
		roomWrite, err := store.PutWrite(store.RoomKey(roomID), room)
		if err != nil {
			return err
		}
		userWrite, err := store.PutWrite(store.UserKey(userID), user)
		if err != nil {
			return err
		}
		return m.store.KV().Commit(ctx,
			[]kv.Check{
				{Key: store.RoomKey(roomID), Version: roomVer},
				{Key: store.UserKey(userID), Version: userVer},
			},
			[]kv.Write{roomWrite, userWrite, triggerBump()},
		)
	})
}

// RemoveFromRoom removes a member and the user's room entry; the room is
// deleted when its last member leaves. Absent rooms or members are silent
// no-ops.
func (m *Matchmaker) RemoveFromRoom(ctx context.Context, roomID, entryID string) error {
	return m.store.Retry(ctx, "remove_from_room", func(ctx context.Context) error {
		var room store.Room
		roomVer, err := m.store.Load(ctx, store.RoomKey(roomID), &room)
		if err != nil {
			return err
		}
		if roomVer == 0 {
			return nil
		}
		var member *store.RoomMember
		remaining := make([]store.RoomMember, 0, len(room.Members))
		for i := range room.Members {
			if room.Members[i].EntryID == entryID {
				member = &room.Members[i]
				continue
			}
			remaining = append(remaining, room.Members[i])
		}
		if member == nil {
			return nil
		}
		user, userVer, err := m.store.GetUser(ctx, member.UserID)
		if err != nil {
			return err
		}
		user.RoomEntries = dropRoomRef(user.RoomEntries, entryID)
		userWrite, err := store.PutWrite(store.UserKey(member.UserID), user)
		if err != nil {
			return err
		}

		var roomWrite kv.Write
		if len(remaining) == 0 {
			roomWrite = kv.Write{Key: store.RoomKey(roomID), Delete: true}
		} else {
			room.Members = remaining
			if roomWrite, err = store.PutWrite(store.RoomKey(roomID), room); err != nil {
				return err
			}
		}
		return m.store.KV().Commit(ctx,
			[]kv.Check{
				{Key: store.RoomKey(roomID), Version: roomVer},
				{Key: store.UserKey(member.UserID), Version: userVer},
			},
			[]kv.Write{roomWrite, userWrite, triggerBump()},
		)
	})
}

// The drop helpers return nil for an emptied list so a join-then-leave
// round trip restores the user record byte for byte.
func dropQueueRef(refs []store.QueueEntryRef, entryID string) []store.QueueEntryRef {
	var out []store.QueueEntryRef
	for _, r := range refs {
		if r.EntryID != entryID {
			out = append(out, r)
		}
	}
	return out
}

func dropRoomRef(refs []store.RoomEntryRef, entryID string) []store.RoomEntryRef {
	var out []store.RoomEntryRef
	for _, r := range refs {
		if r.EntryID != entryID {
			out = append(out, r)
		}
	}
	return out
}

func triggerBump() kv.Write {
	return kv.Write{Key: store.RoomListTrigger, Value: []byte(`1`)}
}
