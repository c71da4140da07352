// internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/parlorgames/parlor/internal/store"
)

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// LobbyPropsHandler serves GetInitialLobbyProps: the lobby snapshot plus
// the token the client should hold (fresh when a guest was created).
func LobbyPropsHandler(sv *Server) http.HandlerFunc {
	type response struct {
		Props InitialLobbyProps `json:"props"`
		Token string            `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		props, token, err := sv.GetInitialLobbyProps(r.Context(), requestToken(r))
		if err != nil {
			sv.log.Warnf("initial lobby props failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, response{Props: props, Token: token})
	}
}

// GamePropsHandler serves GetInitialGameProps for /game/{gameId}/props.
func GamePropsHandler(sv *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/game/")
		gameID := strings.TrimSuffix(rest, "/props")
		if gameID == "" || gameID == rest {
			http.Error(w, "missing gameId in path (/game/{gameId}/props)", http.StatusBadRequest)
			return
		}
		props, err := sv.GetInitialGameProps(r.Context(), gameID, requestToken(r))
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		if err != nil {
			sv.log.Warnf("initial game props failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, props)
	}
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
