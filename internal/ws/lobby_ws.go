// internal/ws/lobby_ws.go
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/internal/protocol"
	"github.com/parlorgames/parlor/internal/server"
)

// cleanupTimeout bounds the store cleanup that runs after a connection's
// own context is already gone.
const cleanupTimeout = 10 * time.Second

// LobbyWSHandler upgrades to the lobby channel, validates the bearer token,
// registers the connection with the lobby hub, and pumps messages until the
// client goes away.
func LobbyWSHandler(logger *logrus.Logger, srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{LobbySubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warnf("lobby websocket accept failed: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != LobbySubprotocol {
			c.Close(BadSubprotocolCode, "client must speak "+LobbySubprotocol)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn, err := srv.ConfigureLobbyConnection(ctx, bearerToken(r))
		if err != nil {
			logger.Warnf("lobby connection auth failed from %s: %v", r.RemoteAddr, err)
			c.Close(InvalidAuthTokenCode, "authentication failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"userId": conn.UserID,
			"remote": r.RemoteAddr,
		}).Info("lobby websocket connected")

		go writePump(ctx, c, conn.Out, logger)

		for {
			var req protocol.LobbyRequest
			decoded, alive := readMessage(ctx, c, &req, logger)
			if !alive {
				break
			}
			if decoded {
				srv.Lobby().Handle(ctx, conn, req)
			}
		}

		// Leave-on-disconnect cleanup must outlive the request context.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		srv.Lobby().Unregister(cleanupCtx, conn)
		cleanupCancel()
		logger.WithField("userId", conn.UserID).Info("lobby websocket disconnected")
	}
}
