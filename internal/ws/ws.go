// Package ws upgrades HTTP connections to the lobby and game message
// channels and runs their read/write pumps.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Subprotocols spoken on the two channels.
const (
	LobbySubprotocol = "parlor.lobby"
	GameSubprotocol  = "parlor.game"
)

// Custom close codes, beyond the standard range.
const (
	BadSubprotocolCode   = 3000
	InvalidAuthTokenCode = 3001
	UnknownGameCode      = 3002
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 15 * time.Second
)

// bearerToken pulls the client token from the Authorization header or the
// token query parameter (websocket clients cannot always set headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// writePump drains out onto the websocket, marshaling each event and
// pinging on an interval. It exits when out closes (normal closure) or a
// write fails; the read side notices the closed socket either way.
func writePump[T any](ctx context.Context, c *websocket.Conn, out <-chan T, logger *logrus.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warnf("failed to marshal outbound message: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("websocket ping failed, assuming disconnect: %v", err)
				return
			}
		}
	}
}

// readMessage reads one text frame and decodes it into v. alive is false
// when the connection is done; a frame that fails to decode is logged and
// skipped with decoded=false, leaving the connection up.
func readMessage(ctx context.Context, c *websocket.Conn, v any, logger *logrus.Logger) (decoded bool, alive bool) {
	typ, data, err := c.Read(ctx)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
			logger.Warnf("websocket read failed: %v", err)
		}
		return false, false
	}
	if typ != websocket.MessageText {
		logger.Warnf("ignoring non-text websocket frame (type %d)", typ)
		return false, true
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A single malformed message does not tear the connection down.
		logger.Warnf("ignoring malformed inbound message: %v", err)
		return false, true
	}
	return true, true
}
