// CLAUDE:SUMMARY Entry point for the rcache daemon — chi ops API behind Basic Auth, background workers, optional MCP stdio transport.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"rcache/dbopen"
	"rcache/dedup"
	"rcache/observability"
)

func main() {
	port := env("PORT", "8090")
	configPath := env("CONFIG", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	opsUser := env("OPS_USER", "ops")
	opsPassword := os.Getenv("OPS_PASSWORD")
	if opsPassword == "" {
		slog.Error("OPS_PASSWORD is required")
		os.Exit(1)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(opsPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash ops password", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config.
	cfg := dedup.DefaultConfig()
	if configPath != "" {
		cfg, err = dedup.LoadConfigFile(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := observability.Init(db); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	aggBeat := observability.NewHeartbeatWriter(db, "aggregator")
	bfBeat := observability.NewHeartbeatWriter(db, "backfill")

	svc, err := dedup.New(ctx, db, cfg, logger,
		dedup.WithAggregatorBeat(func(ctx context.Context, n int64) {
			if err := aggBeat.Beat(ctx, n); err != nil {
				logger.Warn("aggregator heartbeat", "error", err)
			}
		}),
		dedup.WithBackfillBeat(func(ctx context.Context, n int64) {
			if err := bfBeat.Beat(ctx, n); err != nil {
				logger.Warn("backfill heartbeat", "error", err)
			}
		}),
	)
	if err != nil {
		slog.Error("dedup service", "error", err)
		os.Exit(1)
	}

	// Background workers.
	go func() {
		if err := svc.RunAggregator(ctx); err != nil && ctx.Err() == nil {
			slog.Error("aggregator", "error", err)
		}
	}()
	go func() {
		if err := svc.RunBackfill(ctx); err != nil && ctx.Err() == nil {
			slog.Error("backfill", "error", err)
		}
	}()

	// Optional MCP stdio — for agent runtimes spawning the daemon directly.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "rcache",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	// Router.
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(basicAuth(opsUser, passwordHash))

		r.Get("/api/ops/runs/{runID}/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := svc.RunStats(req.Context(), chi.URLParam(req, "runID"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, stats)
		})

		r.Get("/api/ops/dead-letters", func(w http.ResponseWriter, req *http.Request) {
			dls, err := svc.ListDeadLetters(req.Context(),
				req.URL.Query().Get("category"), queryInt(req, "limit", 100))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if dls == nil {
				dls = []*dedup.DeadLetter{}
			}
			writeJSON(w, 200, dls)
		})

		r.Get("/api/ops/checkpoints", func(w http.ResponseWriter, req *http.Request) {
			cs, err := svc.CheckpointStatus(req.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, cs)
		})

		r.Get("/api/ops/heartbeats", func(w http.ResponseWriter, req *http.Request) {
			threshold := 3 * cfg.Aggregator.Interval
			out := map[string]*observability.HeartbeatStatus{}
			for _, worker := range []string{"aggregator", "backfill"} {
				hs, err := observability.LatestHeartbeat(req.Context(), db, worker, threshold)
				if err != nil {
					writeError(w, 500, err)
					return
				}
				out[worker] = hs
			}
			writeJSON(w, 200, out)
		})

		r.Post("/api/ops/backfill/pause", func(w http.ResponseWriter, req *http.Request) {
			if err := svc.PauseBackfill(req.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "paused"})
		})

		r.Post("/api/ops/backfill/resume", func(w http.ResponseWriter, req *http.Request) {
			if err := svc.ResumeBackfill(req.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "running"})
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Auth middleware ---

func basicAuth(user string, passwordHash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword(passwordHash, []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="rcache ops"`)
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
