// internal/ws/game_ws.go
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/server"
	"github.com/parlorgames/parlor/internal/store"
)

// GameWSHandler upgrades to the game channel for /game/ws/{gameId}. The
// token is optional: without a seat in the game the connection is an
// observer.
func GameWSHandler(logger *logrus.Logger, srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/game/ws/"), "/")
		if gameID == "" {
			http.Error(w, "missing gameId in path (/game/ws/{gameId})", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{GameSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warnf("game websocket accept failed: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != GameSubprotocol {
			c.Close(BadSubprotocolCode, "client must speak "+GameSubprotocol)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn, err := srv.ConfigureGameConnection(ctx, gameID, bearerToken(r))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.Close(UnknownGameCode, "game not found")
			} else {
				logger.Warnf("game connection setup failed for %s: %v", gameID, err)
				c.Close(websocket.StatusInternalError, "connection setup failed")
			}
			return
		}
		logger.WithFields(logrus.Fields{
			"gameId":   gameID,
			"playerId": conn.PlayerID,
			"remote":   r.RemoteAddr,
		}).Info("game websocket connected")

		go writePump(ctx, c, conn.Out, logger)

		for {
			var req protocol.GameRequest
			decoded, alive := readMessage(ctx, c, &req, logger)
			if !alive {
				break
			}
			if !decoded {
				continue
			}
			switch req.Type {
			case protocol.GameInitialize:
				srv.Games().Initialize(ctx, gameID, conn, req)
			case protocol.GameMove:
				srv.Games().Move(ctx, gameID, conn, req.Move)
			default:
				logger.WithField("type", req.Type).Warn("unknown game message type")
			}
		}

		srv.Games().Unregister(gameID, conn)
		logger.WithField("gameId", gameID).Info("game websocket disconnected")
	}
}
