// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/parlorgames/parlor/games/counter"
	"github.com/parlorgames/parlor/internal/hub"
	"github.com/parlorgames/parlor/internal/kv"
	"github.com/parlorgames/parlor/internal/matchmaker"
	"github.com/parlorgames/parlor/internal/runtime"
	"github.com/parlorgames/parlor/internal/server"
	"github.com/parlorgames/parlor/internal/store"
	"github.com/parlorgames/parlor/internal/ws"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openKV(ctx, logger)
	if err != nil {
		log.Fatalf("failed to open kv backend: %v", err)
	}
	defer db.Close()

	def := counter.Definition()
	st := store.New(db, logger)
	mm := matchmaker.New(st, def, logger)
	rt := runtime.New(st, def, logger)

	lobbyHub := hub.NewLobbyHub(st, mm, def, logger)
	lobbyHub.Start(ctx)
	gameHub := hub.NewGameHub(st, def, rt, logger)
	gameHub.Start(ctx)

	srv := server.New(st, def, lobbyHub, gameHub, logger, tokenTTL())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler())
	mux.HandleFunc("/lobby/props", server.LobbyPropsHandler(srv))
	mux.HandleFunc("/game/", server.GamePropsHandler(srv))
	mux.HandleFunc("/lobby/ws", ws.LobbyWSHandler(logger, srv))
	mux.HandleFunc("/game/ws/", ws.GameWSHandler(logger, srv))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infof("Running on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server exited: %v", err)
	}
}

// openKV selects the KV backend from KV_BACKEND: memory (default), redis,
// or postgres.
func openKV(ctx context.Context, logger *logrus.Logger) (kv.KV, error) {
	switch backend := getEnv("KV_BACKEND", "memory"); backend {
	case "redis":
		addr := getEnv("REDIS_ADDR", "localhost:6379")
		logger.Infof("Using Redis KV backend at %s", addr)
		return kv.NewRedis(ctx, addr, getEnvInt("REDIS_DB", 0))
	case "postgres":
		logger.Info("Using Postgres KV backend")
		return kv.NewPostgres(ctx, os.Getenv("DATABASE_URL"))
	default:
		logger.Infof("Using in-memory KV backend (KV_BACKEND=%s)", backend)
		return kv.NewMemory(), nil
	}
}

func tokenTTL() time.Duration {
	if s := os.Getenv("TOKEN_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return server.DefaultTokenTTL
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
