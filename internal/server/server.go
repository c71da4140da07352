// Package server is the facade in front of the hubs: token issuance, guest
// identity, connection setup, and the initial snapshots the client renders
// before its message channel catches up.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/hub"
	"github.com/parlorgames/parlor/internal/store"
)

// DefaultTokenTTL is the lifetime of freshly issued guest tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Server wires the facade operations over one game definition.
type Server struct {
	store    *store.Store
	def      *gamedef.Definition
	lobby    *hub.LobbyHub
	games    *hub.GameHub
	log      *logrus.Logger
	tokenTTL time.Duration
}

func New(s *store.Store, def *gamedef.Definition, lobby *hub.LobbyHub, games *hub.GameHub, log *logrus.Logger, tokenTTL time.Duration) *Server {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Server{
		store:    s,
		def:      def,
		lobby:    lobby,
		games:    games,
		log:      log,
		tokenTTL: tokenTTL,
	}
}

// Lobby returns the lobby hub for message dispatch.
func (sv *Server) Lobby() *hub.LobbyHub { return sv.lobby }

// Games returns the game hub for message dispatch.
func (sv *Server) Games() *hub.GameHub { return sv.games }

// InitialLobbyProps is the snapshot a client renders on first lobby
// contact.
type InitialLobbyProps struct {
	ActiveGames    []store.ActiveGame    `json:"activeGames"`
	AvailableRooms []store.AvailableRoom `json:"availableRooms"`
	User           store.User            `json:"user"`
}

// GetInitialLobbyProps resolves the token's user, or creates a guest and
// issues a fresh token when the token is missing, unknown, or expired.
// Returns the props and the token the client should hold from now on.
func (sv *Server) GetInitialLobbyProps(ctx context.Context, token string) (InitialLobbyProps, string, error) {
	user, err := sv.store.ResolveToken(ctx, token)
	if errors.Is(err, store.ErrInvalidToken) {
		if user, err = sv.store.CreateGuestUser(ctx); err != nil {
			return InitialLobbyProps{}, "", err
		}
		if token, err = sv.store.IssueToken(ctx, user.UserID, sv.tokenTTL); err != nil {
			return InitialLobbyProps{}, "", err
		}
		sv.log.WithField("userId", user.UserID).Info("created guest user")
	} else if err != nil {
		return InitialLobbyProps{}, "", err
	}

	games, _, err := sv.store.GetActiveGames(ctx)
	if err != nil {
		return InitialLobbyProps{}, "", err
	}
	rooms, err := sv.store.GetAllAvailableRooms(ctx)
	if err != nil {
		return InitialLobbyProps{}, "", err
	}
	if games == nil {
		games = []store.ActiveGame{}
	}
	return InitialLobbyProps{
		ActiveGames:    games,
		AvailableRooms: rooms,
		User:           user,
	}, token, nil
}

// InitialGameProps is the snapshot a client renders on first game contact.
// Observers receive neither PlayerID nor PlayerState.
type InitialGameProps struct {
	Players     []store.Player  `json:"players"`
	PublicState json.RawMessage `json:"publicState"`
	PlayerID    *int            `json:"playerId,omitempty"`
	PlayerState json.RawMessage `json:"playerState,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
}

// GetInitialGameProps reads the game and projects it for the token's user,
// who may be a seated player or an observer.
func (sv *Server) GetInitialGameProps(ctx context.Context, gameID, token string) (InitialGameProps, error) {
	game, _, err := sv.store.GetGame(ctx, gameID)
	if err != nil {
		return InitialGameProps{}, err
	}
	seat := sv.resolveSeat(ctx, game, token)

	now := time.Now()
	public, err := sv.def.PublicState(game.GameState, gamedef.StateContext{
		Config:     game.Config,
		NumPlayers: len(game.Players),
		Timestamp:  now,
	})
	if err != nil {
		return InitialGameProps{}, err
	}
	props := InitialGameProps{
		Players:     game.Players,
		PublicState: public,
		Outcome:     game.Outcome,
	}
	if seat != hub.ObserverSeat {
		playerState, err := sv.def.PlayerState(game.GameState, gamedef.PlayerContext{
			Config:     game.Config,
			NumPlayers: len(game.Players),
			PlayerID:   seat,
			Timestamp:  now,
		})
		if err != nil {
			return InitialGameProps{}, err
		}
		props.PlayerID = &seat
		props.PlayerState = playerState
	}
	return props, nil
}

// ConfigureLobbyConnection validates the token strictly and registers a
// lobby connection for its user. Invalid tokens fail the setup; the client
// is expected to refresh via GetInitialLobbyProps.
func (sv *Server) ConfigureLobbyConnection(ctx context.Context, token string) (*hub.LobbyConn, error) {
	user, err := sv.store.ResolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return sv.lobby.Register(ctx, user), nil
}

// ConfigureGameConnection registers a game connection, resolving the seat
// when the token's user occupies one; everything else is an observer.
func (sv *Server) ConfigureGameConnection(ctx context.Context, gameID, token string) (*hub.GameConn, error) {
	game, _, err := sv.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	seat := sv.resolveSeat(ctx, game, token)
	return sv.games.Register(gameID, seat), nil
}

// resolveSeat maps a token to the seat its user holds in the game, or
// ObserverSeat. Token failures here degrade to observer rather than error.
func (sv *Server) resolveSeat(ctx context.Context, game store.Game, token string) int {
	if token == "" {
		return hub.ObserverSeat
	}
	user, err := sv.store.ResolveToken(ctx, token)
	if err != nil {
		return hub.ObserverSeat
	}
	for i, id := range game.UserIDs {
		if id == user.UserID {
			return i
		}
	}
	return hub.ObserverSeat
}
