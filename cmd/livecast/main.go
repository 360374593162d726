// Package main provides the entry point for the Livecast relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/graaaaa/livecast/internal/api"
	"github.com/graaaaa/livecast/internal/app"
	"github.com/graaaaa/livecast/internal/config"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/metrics"
	"github.com/graaaaa/livecast/internal/pgstore"
	"github.com/graaaaa/livecast/internal/session"
	"github.com/graaaaa/livecast/internal/singleinstance"
	"github.com/graaaaa/livecast/internal/store"
	"github.com/graaaaa/livecast/internal/transport"
	"github.com/graaaaa/livecast/internal/transport/amqpbus"
	"github.com/graaaaa/livecast/internal/transport/membus"
	"github.com/graaaaa/livecast/internal/version"
)

// maintenanceInterval is how often retention pruning and VACUUM are checked.
const maintenanceInterval = time.Hour

// persistence is what the relay needs from either database backend.
type persistence interface {
	session.Persistence
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	// 1. Environment file (optional)
	_ = godotenv.Load(".env")

	// 2. Load configuration (corrupt config falls back to defaults with warning)
	cfg, _ := config.LoadConfig()
	cfg = config.ApplyEnvOverrides(cfg)
	secrets, secretsStatus, err := config.LoadSecrets()
	if err != nil {
		log.Printf("Warning: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// 3. Single instance check per data directory
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		log.Fatalf("Failed to ensure data directory: %v", err)
	}
	lockPath, err := config.LockFilePath()
	if err != nil {
		log.Fatalf("Failed to resolve lock file: %v", err)
	}
	release, ok, err := singleinstance.AcquireLock(lockPath)
	if err != nil {
		log.Fatalf("Failed to acquire lock: %v", err)
	}
	if !ok {
		log.Printf("Another instance is already serving %s", dataDir)
		os.Exit(1)
	}
	defer release()

	// 4. Ensure LAN credentials and the token signing key
	updated, generatedPw, err := config.EnsureLanAuth(&secrets, cfg.LanEnabled)
	if err != nil {
		log.Fatalf("Failed to ensure LAN auth: %v", err)
	}
	tokenUpdated, err := config.EnsureTokenSecret(&secrets)
	if err != nil {
		log.Fatalf("Failed to ensure token secret: %v", err)
	}
	updated = updated || tokenUpdated

	// Only save if loaded successfully or file was missing (prevent overwrite on fallback)
	if updated && secretsStatus != config.SecretsFallback {
		if err := config.SaveSecrets(secrets); err != nil {
			log.Fatalf("Failed to save secrets: %v", err)
		}
		if generatedPw != "" {
			announcePassword(secrets.BasicAuthUsername, generatedPw)
		}
	} else if updated && secretsStatus == config.SecretsFallback {
		log.Println("WARNING: Secrets file has errors; new credentials not saved to avoid data loss")
		log.Println("Please fix or delete secrets.json and restart")
	}
	// Env secrets are applied after saving so they never land on disk.
	secrets = config.ApplySecretEnvOverrides(secrets)

	// 5. Parse flags (port can override config)
	port := flag.Int("port", cfg.Port, "HTTP server port")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// 6. Open the database: PostgreSQL when configured, SQLite otherwise
	var db persistence
	var sqlite *store.Store
	if !secrets.PostgresURL.IsEmpty() {
		pg, err := pgstore.Open(ctx, secrets.PostgresURL.Value(), pgstore.WithLogger(logger))
		if err != nil {
			log.Fatalf("Failed to open PostgreSQL: %v", err)
		}
		db = pg
		log.Println("Using PostgreSQL store")
	} else {
		dbPath, err := config.DatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
		sqlite, err = store.Open(dbPath, store.WithLogger(logger))
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		db = sqlite
		log.Printf("Using SQLite store at %s", dbPath)
	}
	defer db.Close()

	// 7. Transports: presence is always in-process; broadcast goes through
	// AMQP when configured so several relays can share a stream.
	node := uuid.NewString()
	bus := membus.New(membus.WithLogger(logger), membus.WithDropHook(m.HubDropHook("membus")))
	defer bus.Close()

	var broadcaster transport.Broadcaster = bus
	if !secrets.AMQPURL.IsEmpty() {
		relay, err := amqpbus.Dial(secrets.AMQPURL.Value(),
			amqpbus.WithLogger(logger),
			amqpbus.WithNode(node),
			amqpbus.WithErrorHook(m.RelayError),
		)
		if err != nil {
			log.Printf("Warning: AMQP unavailable, broadcasting in-process only: %v", err)
		} else {
			defer relay.Close()
			broadcaster = relay
		}
	}

	// 8. Gift catalog
	catalogPath, err := config.GiftCatalogPath(cfg)
	if err != nil {
		log.Fatalf("Failed to resolve gift catalog path: %v", err)
	}
	catalog, err := gifts.LoadCatalog(catalogPath)
	if err != nil {
		log.Fatalf("Failed to load gift catalog: %v", err)
	}

	// 9. Sessions
	sessions := session.NewManager(db, logger,
		session.WithConfig(session.Config{
			ChatDebounce:      cfg.Pipeline.ChatDebounce(),
			DedupWindow:       cfg.Pipeline.DedupWindow(),
			MaxAge:            cfg.Pipeline.MaxAge(),
			HistoryLimit:      cfg.Pipeline.HistoryLimit,
			SendInterval:      cfg.Pipeline.SendInterval(),
			IdentityTTL:       cfg.Pipeline.IdentityTTL(),
			ComboWindow:       cfg.Pipeline.ComboWindow(),
			WriteInterval:     cfg.Pipeline.ViewerWrite(),
			HeartbeatInterval: cfg.Pipeline.Heartbeat(),
			Host:              cfg.Host,
		}),
		session.WithBroadcaster(broadcaster),
		session.WithPresence(bus),
		session.WithCatalog(catalog),
		session.WithNode(node),
		session.WithObserver(m),
	)

	// 10. Retention and VACUUM (SQLite only; PostgreSQL is maintained by its operator)
	if sqlite != nil {
		go maintain(ctx, sqlite, cfg.Retention())
	}

	// 11. Determine bind address
	host := "127.0.0.1"
	if cfg.LanEnabled {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, *port)

	configPath, err := config.ConfigPath()
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	secretsPath, err := config.SecretsPath()
	if err != nil {
		log.Fatalf("Failed to resolve secrets path: %v", err)
	}

	// Build dependencies
	health := app.HealthService{Version: version.String(), DB: db, Sessions: sessions}
	serverOpts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithSessions(sessions),
		api.WithStreamsUsecase(app.StreamsService{Sessions: sessions}),
		api.WithConfigUsecase(app.ConfigService{ConfigPath: configPath, SecretsPath: secretsPath}),
		api.WithMetrics(m),
		api.WithTokenSecret([]byte(secrets.TokenSecret.Value())),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
		api.WithHeartbeat(cfg.Pipeline.Heartbeat()),
	}
	if sqlite != nil {
		serverOpts = append(serverOpts,
			api.WithHistoryUsecase(&app.HistoryService{Store: sqlite}),
			api.WithStatsUsecase(app.NewStatsService(sqlite)),
		)
	}

	// Enable Basic Auth and limits for LAN mode (credentials are guaranteed by EnsureLanAuth)
	var limiter *api.RateLimiter
	if cfg.LanEnabled {
		limiter = api.NewRateLimiter(api.DefaultRateLimiterConfig())
		serverOpts = append(serverOpts,
			api.WithBasicAuth(secrets.BasicAuthUsername, secrets.BasicAuthPassword.Value()),
			api.WithRateLimiter(limiter),
			api.WithAuthFailureLimiter(api.NewAuthFailureLimiter(api.DefaultAuthFailureLimiterConfig())),
		)
		log.Println("Basic Auth enabled for LAN mode")
	}

	server := api.NewServer(addr, health, serverOpts...)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting Livecast relay v%s on %s (node %s)", version.String(), addr, node)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
		log.Println("Shutting down...")
	case err := <-errCh:
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}

	cancel()

	// Closing sessions ends SSE and WebSocket streams so Shutdown can drain.
	if err := sessions.Close(); err != nil {
		log.Printf("Session shutdown error: %v", err)
	}
	if limiter != nil {
		limiter.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// announcePassword writes generated credentials to a file instead of the log.
func announcePassword(username, password string) {
	pwPath, err := config.WritePasswordFile(username, password)
	if err != nil {
		log.Printf("Warning: failed to write password file: %v", err)
		log.Println("=== GENERATED BASIC AUTH CREDENTIALS ===")
		log.Printf("Username: %s", username)
		log.Printf("Password: %s", password)
		log.Println("=========================================")
		return
	}
	log.Println("=== BASIC AUTH CREDENTIALS GENERATED ===")
	log.Printf("Credentials saved to: %s", pwPath)
	log.Println("Delete this file after saving the credentials!")
	log.Println("=========================================")
}

// maintain prunes old history and vacuums on start and then hourly.
func maintain(ctx context.Context, st *store.Store, retention time.Duration) {
	run := func() {
		pruned, vacuumed, err := st.Maintain(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("maintenance failed", "err", err)
			}
			return
		}
		slog.Debug("maintenance done", "pruned", pruned, "vacuumed", vacuumed)
	}

	run()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			return
		}
	}
}
