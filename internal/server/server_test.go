// internal/server/server_test.go
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/hub"
	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/matchmaker"
	"github.com/parlorgames/parlor/internal/runtime"
	"github.com/parlorgames/parlor/internal/store"
)

func testDefinition() *gamedef.Definition {
	return &gamedef.Definition{
		Queues: map[string]gamedef.QueueConfig{
			"pairs": {QueueID: "pairs", NumPlayers: 2},
		},
		Setup: func(ctx gamedef.SetupContext) (json.RawMessage, error) {
			return json.RawMessage(`{"moves":0}`), nil
		},
		IsValidMove: func(state json.RawMessage, ctx gamedef.MoveContext) bool { return true },
		ProcessMove: func(state json.RawMessage, ctx gamedef.MoveContext) (json.RawMessage, error) {
			return state, nil
		},
		Outcome: func(state json.RawMessage, ctx gamedef.StateContext) json.RawMessage {
			return nil
		},
		PlayerState: func(state json.RawMessage, ctx gamedef.PlayerContext) (json.RawMessage, error) {
			return json.Marshal(map[string]int{"playerId": ctx.PlayerID})
		},
		PublicState: func(state json.RawMessage, ctx gamedef.StateContext) (json.RawMessage, error) {
			return state, nil
		},
	}
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	def := testDefinition()
	s := store.New(kv.NewMemory(), logger)
	mm := matchmaker.New(s, def, logger)
	rt := runtime.New(s, def, logger)
	lobby := hub.NewLobbyHub(s, mm, def, logger)
	games := hub.NewGameHub(s, def, rt, logger)
	return New(s, def, lobby, games, logger, time.Hour), s
}

func seedGame(t *testing.T, s *store.Store, gameID string, userIDs []string) {
	t.Helper()
	players := make([]store.Player, len(userIDs))
	for i := range userIDs {
		players[i] = store.Player{Username: userIDs[i]}
	}
	w, err := store.PutWrite(store.GameKey(gameID), store.Game{
		GameState: json.RawMessage(`{"moves":0}`),
		UserIDs:   userIDs,
		Players:   players,
	})
	require.NoError(t, err)
	require.NoError(t, s.KV().Commit(context.Background(), nil, []kv.Write{w}))
}

func TestInitialLobbyPropsCreatesGuestForMissingToken(t *testing.T) {
	sv, s := newTestServer(t)
	ctx := context.Background()

	props, token, err := sv.GetInitialLobbyProps(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, props.User.Player.IsGuest)
	assert.Empty(t, props.ActiveGames)
	assert.Empty(t, props.AvailableRooms)

	// The returned token resolves to the same user afterwards.
	user, err := s.ResolveToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, props.User.UserID, user.UserID)

	// A second call with the token keeps the identity.
	again, token2, err := sv.GetInitialLobbyProps(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, token, token2)
	assert.Equal(t, props.User.UserID, again.User.UserID)
}

func TestInitialLobbyPropsReplacesExpiredToken(t *testing.T) {
	sv, s := newTestServer(t)
	ctx := context.Background()

	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	expired, err := s.IssueToken(ctx, u.UserID, -time.Minute)
	require.NoError(t, err)

	props, fresh, err := sv.GetInitialLobbyProps(ctx, expired)
	require.NoError(t, err)
	assert.NotEqual(t, expired, fresh)
	// The old identity is not recoverable; a new guest takes its place.
	assert.NotEqual(t, u.UserID, props.User.UserID)
	assert.True(t, props.User.Player.IsGuest)
}

func TestInitialGamePropsForSeatedPlayer(t *testing.T) {
	sv, s := newTestServer(t)
	ctx := context.Background()

	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	token, err := s.IssueToken(ctx, u.UserID, time.Hour)
	require.NoError(t, err)
	seedGame(t, s, "g1", []string{"someone", u.UserID})

	props, err := sv.GetInitialGameProps(ctx, "g1", token)
	require.NoError(t, err)
	require.NotNil(t, props.PlayerID)
	assert.Equal(t, 1, *props.PlayerID)
	assert.JSONEq(t, `{"playerId":1}`, string(props.PlayerState))
	assert.JSONEq(t, `{"moves":0}`, string(props.PublicState))
	assert.Len(t, props.Players, 2)
}

func TestInitialGamePropsForObserver(t *testing.T) {
	sv, s := newTestServer(t)
	ctx := context.Background()
	seedGame(t, s, "g1", []string{"a", "b"})

	// No token, an unknown token, and a token for a non-participant all
	// degrade to observer.
	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	outsider, err := s.IssueToken(ctx, u.UserID, time.Hour)
	require.NoError(t, err)

	for _, token := range []string{"", "bogus", outsider} {
		props, err := sv.GetInitialGameProps(ctx, "g1", token)
		require.NoError(t, err)
		assert.Nil(t, props.PlayerID)
		assert.Empty(t, props.PlayerState)
		assert.JSONEq(t, `{"moves":0}`, string(props.PublicState))
	}
}

func TestInitialGamePropsUnknownGame(t *testing.T) {
	sv, _ := newTestServer(t)
	_, err := sv.GetInitialGameProps(context.Background(), "nope", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigureLobbyConnectionRejectsInvalidToken(t *testing.T) {
	sv, s := newTestServer(t)
	ctx := context.Background()

	_, err := sv.ConfigureLobbyConnection(ctx, "bogus")
	assert.ErrorIs(t, err, store.ErrInvalidToken)

	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	token, err := s.IssueToken(ctx, u.UserID, time.Hour)
	require.NoError(t, err)

	conn, err := sv.ConfigureLobbyConnection(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, conn.UserID)
	sv.Lobby().Unregister(ctx, conn)
}

func TestConfigureGameConnectionSeats(t *testing.T) {
	sv, s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u, err := s.CreateGuestUser(ctx)
	require.NoError(t, err)
	token, err := s.IssueToken(ctx, u.UserID, time.Hour)
	require.NoError(t, err)
	seedGame(t, s, "g1", []string{u.UserID, "other"})

	seated, err := sv.ConfigureGameConnection(ctx, "g1", token)
	require.NoError(t, err)
	assert.Equal(t, 0, seated.PlayerID)
	sv.Games().Unregister("g1", seated)

	observer, err := sv.ConfigureGameConnection(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, hub.ObserverSeat, observer.PlayerID)
	sv.Games().Unregister("g1", observer)

	_, err = sv.ConfigureGameConnection(ctx, "missing", token)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLobbyPropsHandler(t *testing.T) {
	sv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/lobby/props", nil)
	rec := httptest.NewRecorder()
	LobbyPropsHandler(sv)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Props InitialLobbyProps `json:"props"`
		Token string            `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Token)
	assert.True(t, body.Props.User.Player.IsGuest)

	// Method gate.
	rec = httptest.NewRecorder()
	LobbyPropsHandler(sv)(rec, httptest.NewRequest(http.MethodDelete, "/lobby/props", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGamePropsHandler(t *testing.T) {
	sv, s := newTestServer(t)
	seedGame(t, s, "g1", []string{"a", "b"})

	rec := httptest.NewRecorder()
	GamePropsHandler(sv)(rec, httptest.NewRequest(http.MethodGet, "/game/g1/props", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var props InitialGameProps
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &props))
	assert.Len(t, props.Players, 2)

	rec = httptest.NewRecorder()
	GamePropsHandler(sv)(rec, httptest.NewRequest(http.MethodGet, "/game/missing/props", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	GamePropsHandler(sv)(rec, httptest.NewRequest(http.MethodGet, "/game/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
