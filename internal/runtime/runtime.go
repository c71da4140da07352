// Package runtime applies moves to persistent game state under optimistic
// concurrency and ends the game when the author's outcome predicate fires.
package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/gamedef"
	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/store"
)

// Runtime executes moves for one game definition.
type Runtime struct {
	store *store.Store
	def   *gamedef.Definition
	log   *logrus.Logger
}

func New(s *store.Store, def *gamedef.Definition, log *logrus.Logger) *Runtime {
	return &Runtime{store: s, def: def, log: log}
}

// HandleMove validates and applies one move by the player at seat playerID.
// Moves on finished games and moves the author rejects are silent no-ops.
// On commit conflict the move is re-validated and re-applied against the
// fresh state; the author functions must be pure, so replaying is safe.
func (r *Runtime) HandleMove(ctx context.Context, gameID string, playerID int, move json.RawMessage) error {
	return r.store.Retry(ctx, "handle_move", func(ctx context.Context) error {
		game, gameVer, err := r.store.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		if game.Finished() {
			return nil
		}

		now := time.Now()
		moveCtx := gamedef.MoveContext{
			Config:     game.Config,
			NumPlayers: len(game.Players),
			PlayerID:   playerID,
			Timestamp:  now,
			Move:       move,
		}
		if !r.def.IsValidMove(game.GameState, moveCtx) {
			return nil
		}
		newState, err := r.def.ProcessMove(game.GameState, moveCtx)
		if err != nil {
			return err
		}
		outcome := r.def.Outcome(newState, gamedef.StateContext{
			Config:     game.Config,
			NumPlayers: len(game.Players),
			Timestamp:  now,
		})

		game.GameState = newState
		game.Outcome = outcome
		gameWrite, err := store.PutWrite(store.GameKey(gameID), game)
		if err != nil {
			return err
		}
		checks := []kv.Check{{Key: store.GameKey(gameID), Version: gameVer}}
		writes := []kv.Write{gameWrite}

		if game.Finished() {
			activeGames, agVer, err := r.store.GetActiveGames(ctx)
			if err != nil {
				return err
			}
			remaining := make([]store.ActiveGame, 0, len(activeGames))
			for _, ag := range activeGames {
				if ag.GameID != gameID {
					remaining = append(remaining, ag)
				}
			}
			agWrite, err := store.PutWrite(store.ActiveGamesKey, remaining)
			if err != nil {
				return err
			}
			checks = append(checks, kv.Check{Key: store.ActiveGamesKey, Version: agVer})
			writes = append(writes, agWrite)
		}

		if err := r.store.KV().Commit(ctx, checks, writes); err != nil {
			return err
		}
		if game.Finished() {
			r.log.WithField("gameId", gameID).Info("game finished")
		}
		return nil
	})
}
