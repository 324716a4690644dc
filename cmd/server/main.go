package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contract-collab/internal/api"
	"contract-collab/internal/config"
	"contract-collab/internal/db"
	"contract-collab/internal/events"
	"contract-collab/internal/logging"
	"contract-collab/internal/openai"
	"contract-collab/internal/repository"
	"contract-collab/internal/services/assistant"
	"contract-collab/internal/services/collaboration"
	"contract-collab/internal/services/presence"
	"contract-collab/internal/services/redline"
	"contract-collab/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server and background workers
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order

Shutdown runs in reverse: stop accepting requests, close websockets,
flush every session to the database, then stop the event relay.
*/

const serviceName = "contract-collab"

func main() {
	app := &cli.App{
		Name:  serviceName,
		Usage: "Collaborative contract editing server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.BoolFlag{
				Name:    "log-pretty",
				Usage:   "human-readable console logs",
				EnvVars: []string{"LOG_PRETTY"},
			},
		},
		Before: func(c *cli.Context) error {
			logging.Setup(c.String("log-level"), c.Bool("log-pretty"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and websocket server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the database schema",
				Action: migrate,
			},
			{
				Name:      "compact",
				Usage:     "snapshot sessions and drop their superseded operations",
				ArgsUsage: "<session-id>...",
				Action:    compact,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("exited with error")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database.DB); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

func compact(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("compact needs at least one session id")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	manager := collaboration.NewManager(collaboration.Deps{
		Sessions:         repository.NewSessionRepository(database.DB),
		Operations:       repository.NewOperationRepository(database.DB),
		Snapshots:        repository.NewSnapshotRepository(database.DB),
		Versions:         repository.NewDocumentVersionRepository(database.DB),
		Policy:           cfg.Collab,
		PersistWorkers:   1,
		PersistQueueSize: cfg.PersistQueueSize,
	})
	manager.Start()
	defer func() { _ = manager.Shutdown(context.Background()) }()

	for _, id := range c.Args().Slice() {
		n, err := manager.Compact(c.Context, id)
		if err != nil {
			return fmt.Errorf("session %s: %w", id, err)
		}
		log.Info().Str("session", id).Int64("removed", n).Msg("session compacted")
	}
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("node", cfg.NodeID).Msg("starting contract collaboration server")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	if cfg.JaegerEndpoint != "" {
		jaegerShutdown, err := telemetry.InitJaeger(telemetry.Options{
			ServiceName: serviceName,
			Endpoint:    cfg.JaegerEndpoint,
			NodeID:      cfg.NodeID,
			SampleRatio: cfg.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize jaeger, continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("failed to shutdown jaeger")
				}
			}()
		}
	}

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database.DB); err != nil {
		return err
	}

	// Initialize repositories
	sessionRepo := repository.NewSessionRepository(database.DB)
	opRepo := repository.NewOperationRepository(database.DB)
	snapRepo := repository.NewSnapshotRepository(database.DB)
	versionRepo := repository.NewDocumentVersionRepository(database.DB)
	suggestionRepo := repository.NewSuggestionRepository(database.DB)
	tokenRepo := repository.NewTokenRepository(database.DB)
	outboxRepo := repository.NewOutboxRepository(database.DB)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	sink, closeSinks, err := eventSinks(ctx, relayCtx, cfg, outboxRepo, rdb)
	if err != nil {
		return err
	}
	defer closeSinks()

	// Session shards are leased so only one node coordinates a session.
	var leaser collaboration.Leaser
	if rdb != nil {
		leaser = collaboration.NewRedisLeaser(rdb, cfg.NodeID, cfg.Collab.LeaseTTL)
	}

	tracker := presence.NewTracker()
	manager := collaboration.NewManager(collaboration.Deps{
		Sessions:         sessionRepo,
		Operations:       opRepo,
		Snapshots:        snapRepo,
		Versions:         versionRepo,
		Events:           sink,
		Presence:         tracker,
		Leaser:           leaser,
		Policy:           cfg.Collab,
		PersistWorkers:   cfg.PersistWorkers,
		PersistQueueSize: cfg.PersistQueueSize,
	})

	// Initialize the websocket hub and route every change through it
	hub := collaboration.NewHub()
	hub.Start()
	manager.AddBroadcaster(hub)
	tracker.AddBroadcaster(hub)
	if rdb != nil {
		relay := presence.NewRedisRelay(rdb, cfg.NodeID)
		tracker.AddBroadcaster(relay)
		go func() {
			if err := relay.Run(relayCtx, hub); err != nil {
				log.Error().Err(err).Msg("presence relay stopped")
			}
		}()
	}
	manager.Start()

	redlines := redline.NewService(suggestionRepo, manager, cfg.Collab)

	var assist api.AssistantService
	if cfg.OpenAIAPIKey != "" {
		assist = assistant.NewService(openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel), manager, redlines)
		log.Info().Str("model", cfg.OpenAIModel).Msg("assistant enabled")
	}

	// Initialize handlers with dependency injection
	handler := api.NewHandler(manager, redlines, assist, tokenRepo, hub, nil)
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	// Learning: no WriteTimeout, websocket connections are long-lived
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}
	log.Info().Msg("shutting down server")

	// Learning: Give the server 30 seconds to finish existing requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}
	hub.Shutdown()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush sessions")
	}
	stopRelay()

	log.Info().Msg("server shutdown complete")
	return nil
}

// eventSinks builds the configured sinks. The outbox is written in the
// request path; redis and pgnotify are fed from it by a relay when the
// outbox is enabled, and directly otherwise.
func eventSinks(ctx, relayCtx context.Context, cfg *config.Config, outbox *repository.OutboxRepositoryImpl, rdb *redis.Client) (events.Sink, func(), error) {
	var (
		useOutbox bool
		targets   events.Multi
		closers   []func()
	)
	for _, name := range cfg.Collab.EventSinks {
		switch name {
		case "outbox":
			useOutbox = true
		case "redis":
			if rdb == nil {
				return nil, nil, errors.New("event sink redis needs REDIS_ADDR")
			}
			targets = append(targets, events.NewRedisSink(rdb, "contract-collab:"))
		case "pgnotify":
			if cfg.DBDriver != "postgres" {
				return nil, nil, errors.New("event sink pgnotify needs the postgres driver")
			}
			pool, err := pgxpool.New(ctx, cfg.PostgresURL())
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open notify pool: %w", err)
			}
			closers = append(closers, pool.Close)
			targets = append(targets, events.NewPGNotifySink(pool, "contract_collab_events"))
		default:
			return nil, nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if !useOutbox {
		return targets, closeAll, nil
	}
	if len(targets) > 0 {
		go events.NewRelay(outbox, targets, time.Second).Run(relayCtx)
	}
	return events.NewOutboxSink(outbox), closeAll, nil
}
