// internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorgames/parlor/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(kv.NewMemory(), logger)
}

func TestCreateGuestUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	assert.True(t, u1.Player.IsGuest)
	assert.True(t, strings.HasPrefix(u1.Player.Username, "guest-"))

	// The record and the username index agree.
	got, _, err := s.GetUser(ctx, u1.UserID)
	require.NoError(t, err)
	assert.Equal(t, u1, got)

	var indexed string
	_, err = s.Require(ctx, UsernameKey(u1.Player.Username), &indexed)
	require.NoError(t, err)
	assert.Equal(t, u1.UserID, indexed)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.GetUser(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	oldName := u.Player.Username

	require.NoError(t, s.UpdateUsername(ctx, u.UserID, "alice"))

	got, _, err := s.GetUser(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Player.Username)

	// Index moved with the rename.
	var indexed string
	_, err = s.Require(ctx, UsernameKey("alice"), &indexed)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, indexed)
	old, err := s.KV().Get(ctx, UsernameKey(oldName))
	require.NoError(t, err)
	assert.False(t, old.Present())

	// Unchanged name is a no-op.
	require.NoError(t, s.UpdateUsername(ctx, u.UserID, "alice"))

	// Taken name is rejected.
	other, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	err = s.UpdateUsername(ctx, other.UserID, "alice")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)

	token, err := s.IssueToken(ctx, u.UserID, time.Hour)
	require.NoError(t, err)

	got, err := s.ResolveToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, got.UserID)

	_, err = s.ResolveToken(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.ResolveToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejectedAndDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)

	token, err := s.IssueToken(ctx, u.UserID, -time.Minute)
	require.NoError(t, err)

	_, err = s.ResolveToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Lazily deleted on the failed lookup.
	e, err := s.KV().Get(ctx, TokenKey(token))
	require.NoError(t, err)
	assert.False(t, e.Present())
}

func TestRetryAbsorbsConflicts(t *testing.T) {
	s := newTestStore(t)
	attempts := 0
	err := s.Retry(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return kv.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPassesThroughOtherErrors(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.Retry(context.Background(), "test", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAvailableRoomsExcludePrivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pub, err := PutWrite(RoomKey("r1"), Room{NumPlayers: 2, Members: []RoomMember{}})
	require.NoError(t, err)
	priv, err := PutWrite(RoomKey("r2"), Room{NumPlayers: 2, Private: true, Members: []RoomMember{}})
	require.NoError(t, err)
	require.NoError(t, s.KV().Commit(ctx, nil, []kv.Write{pub, priv}))

	rooms, err := s.GetAllAvailableRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].RoomID)
}

func TestWatchAssignmentSkipsAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.WatchAssignment(ctx, "e1")

	// Nothing emitted while the assignment key is absent.
	select {
	case a := <-ch:
		t.Fatalf("unexpected assignment: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}

	w, err := PutWrite(AssignmentKey("e1"), Assignment{GameID: "g1"})
	require.NoError(t, err)
	require.NoError(t, s.KV().Commit(ctx, nil, []kv.Write{w}))

	select {
	case a := <-ch:
		assert.Equal(t, "g1", a.GameID)
	case <-time.After(2 * time.Second):
		t.Fatal("assignment never delivered")
	}
}

func TestWatchAvailableRoomsRereadsOnTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.WatchAvailableRooms(ctx)
	first := <-ch
	assert.Empty(t, first)

	w, err := PutWrite(RoomKey("r1"), Room{NumPlayers: 2, Members: []RoomMember{}})
	require.NoError(t, err)
	require.NoError(t, s.KV().Commit(ctx, nil, []kv.Write{
		w,
		{Key: RoomListTrigger, Value: []byte(`1`)},
	}))

	select {
	case rooms := <-ch:
		require.Len(t, rooms, 1)
		assert.Equal(t, "r1", rooms[0].RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("room listing never delivered")
	}
}
