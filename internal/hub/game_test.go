// internal/hub/game_test.go
package hub

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/runtime"
	"github.com/parlorgames/parlor/internal/store"
)

type gameFixture struct {
	store *store.Store
	hub   *GameHub
}

func newGameFixture(t *testing.T) *gameFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	def := testDefinition()
	s := store.New(kv.NewMemory(), logger)
	rt := runtime.New(s, def, logger)
	h := NewGameHub(s, def, rt, logger)
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(hubCtx)
	return &gameFixture{
		store: s,
		hub:   h,
	}
}

func (f *gameFixture) seedGame(t *testing.T, gameID string) {
	t.Helper()
	ctx := context.Background()
	players := []store.Player{{Username: "a"}, {Username: "b"}}
	gameWrite, err := store.PutWrite(store.GameKey(gameID), store.Game{
		GameState: json.RawMessage(`{"moves":0}`),
		UserIDs:   []string{"u1", "u2"},
		Players:   players,
	})
	require.NoError(t, err)
	agWrite, err := store.PutWrite(store.ActiveGamesKey, []store.ActiveGame{
		{GameID: gameID, Players: players},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.KV().Commit(ctx, nil, []kv.Write{gameWrite, agWrite}))
}

func awaitGameEvent(t *testing.T, conn *GameConn) protocol.GameEvent {
	t.Helper()
	select {
	case ev, ok := <-conn.Out:
		if !ok {
			t.Fatal("connection closed while waiting for event")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no game event arrived")
		return protocol.GameEvent{}
	}
}

func expectNoGameEvent(t *testing.T, conn *GameConn) {
	t.Helper()
	select {
	case ev, ok := <-conn.Out:
		if ok {
			t.Fatalf("unexpected game event: %+v", ev)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestInitializeSendsCurrentState(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	conn := f.hub.Register("g1", 0)
	defer f.hub.Unregister("g1", conn)

	f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{Type: protocol.GameInitialize})
	ev := awaitGameEvent(t, conn)
	assert.Equal(t, protocol.EventUpdateGameState, ev.Type)
	assert.JSONEq(t, `{"moves":0}`, string(ev.PublicState))
	assert.JSONEq(t, `{"playerId":0,"moves":0}`, string(ev.PlayerState))
	assert.Empty(t, ev.Outcome)
}

func TestInitializeSuppressedByMatchingBaseline(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	conn := f.hub.Register("g1", 0)
	defer f.hub.Unregister("g1", conn)

	// The baseline uses different key order and whitespace; canonical
	// comparison still matches, so nothing is sent.
	f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{
		Type:               protocol.GameInitialize,
		CurrentPublicState: json.RawMessage(`{ "moves": 0 }`),
		CurrentPlayerState: json.RawMessage(`{"moves":0,"playerId":0}`),
	})
	expectNoGameEvent(t, conn)
}

func TestMoveFansOutToAllConnections(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	p0 := f.hub.Register("g1", 0)
	p1 := f.hub.Register("g1", 1)
	obs := f.hub.Register("g1", ObserverSeat)
	defer f.hub.Unregister("g1", p0)
	defer f.hub.Unregister("g1", p1)
	defer f.hub.Unregister("g1", obs)

	for _, conn := range []*GameConn{p0, p1, obs} {
		f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{Type: protocol.GameInitialize})
		awaitGameEvent(t, conn)
	}

	f.hub.Move(ctx, "g1", p0, json.RawMessage(`{"action":"tick"}`))

	ev0 := awaitGameEvent(t, p0)
	assert.JSONEq(t, `{"playerId":0,"moves":1}`, string(ev0.PlayerState))
	ev1 := awaitGameEvent(t, p1)
	assert.JSONEq(t, `{"playerId":1,"moves":1}`, string(ev1.PlayerState))

	evObs := awaitGameEvent(t, obs)
	assert.JSONEq(t, `{"moves":1}`, string(evObs.PublicState))
	assert.Empty(t, evObs.PlayerState)
}

func TestObserverMoveIgnored(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	obs := f.hub.Register("g1", ObserverSeat)
	defer f.hub.Unregister("g1", obs)

	f.hub.Initialize(ctx, "g1", obs, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, obs)

	f.hub.Move(ctx, "g1", obs, json.RawMessage(`{"action":"tick"}`))
	expectNoGameEvent(t, obs)

	game, _, err := f.store.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"moves":0}`, string(game.GameState))
}

func TestUnchangedStateRewriteSuppressed(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	conn := f.hub.Register("g1", 0)
	defer f.hub.Unregister("g1", conn)

	f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, conn)

	// Rewrite the record with identical contents. The version changes, the
	// projections do not, so the fan-out is suppressed.
	game, ver, err := f.store.GetGame(ctx, "g1")
	require.NoError(t, err)
	w, err := store.PutWrite(store.GameKey("g1"), game)
	require.NoError(t, err)
	require.NoError(t, f.store.KV().Commit(ctx,
		[]kv.Check{{Key: store.GameKey("g1"), Version: ver}},
		[]kv.Write{w},
	))

	expectNoGameEvent(t, conn)
}

func TestReaderSurvivesFirstConnectionLeaving(t *testing.T) {
	f := newGameFixture(t)
	f.seedGame(t, "g1")

	// Each connection arrives with its own request-scoped context, as the
	// websocket handlers do. The first one to register must not pin the
	// bundle's changes-reader to its lifetime.
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	c1 := f.hub.Register("g1", 0)
	c2 := f.hub.Register("g1", 1)
	defer f.hub.Unregister("g1", c2)

	f.hub.Initialize(ctx1, "g1", c1, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, c1)
	f.hub.Initialize(ctx2, "g1", c2, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, c2)

	cancel1()
	f.hub.Unregister("g1", c1)

	f.hub.Move(ctx2, "g1", c2, json.RawMessage(`{"action":"tick"}`))
	ev := awaitGameEvent(t, c2)
	assert.JSONEq(t, `{"playerId":1,"moves":1}`, string(ev.PlayerState))
}

func TestStaleSnapshotDoesNotRegress(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	conn := f.hub.Register("g1", 0)
	defer f.hub.Unregister("g1", conn)

	stale, staleVer, err := f.store.GetGame(ctx, "g1")
	require.NoError(t, err)

	f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, conn)

	f.hub.Move(ctx, "g1", conn, json.RawMessage(`{"action":"tick"}`))
	ev := awaitGameEvent(t, conn)
	assert.JSONEq(t, `{"moves":1}`, string(ev.PublicState))

	// Replay the pre-move record with its old versionstamp, as a slow read
	// landing after the bundle reader already delivered the move. The
	// connection's cache must keep the newer state.
	f.hub.fanOutTo("g1", stale, staleVer, []*GameConn{conn})
	expectNoGameEvent(t, conn)

	conn.mu.Lock()
	last := string(conn.last.public)
	conn.mu.Unlock()
	assert.JSONEq(t, `{"moves":1}`, last)
}

func TestOutcomeClosesChannel(t *testing.T) {
	f := newGameFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.seedGame(t, "g1")

	conn := f.hub.Register("g1", 0)
	defer f.hub.Unregister("g1", conn)

	f.hub.Initialize(ctx, "g1", conn, protocol.GameRequest{Type: protocol.GameInitialize})
	awaitGameEvent(t, conn)

	tick := json.RawMessage(`{"action":"tick"}`)
	f.hub.Move(ctx, "g1", conn, tick)
	awaitGameEvent(t, conn)
	f.hub.Move(ctx, "g1", conn, tick)

	ev := awaitGameEvent(t, conn)
	assert.JSONEq(t, `"done"`, string(ev.Outcome))
	assert.JSONEq(t, `{"moves":2}`, string(ev.PublicState))

	select {
	case _, ok := <-conn.Out:
		assert.False(t, ok, "channel should close after the outcome event")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after outcome")
	}
}
