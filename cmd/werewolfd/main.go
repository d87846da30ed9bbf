// Package main provides the werewolf game daemon: it loads game setups and
// win scripts, repopulates the isolated-room pool from the database, and
// serves game sessions until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/werewolf/internal/config"
	"github.com/cory-johannsen/werewolf/internal/game/random"
	"github.com/cory-johannsen/werewolf/internal/game/registry"
	"github.com/cory-johannsen/werewolf/internal/game/room"
	"github.com/cory-johannsen/werewolf/internal/game/setup"
	"github.com/cory-johannsen/werewolf/internal/observability"
	"github.com/cory-johannsen/werewolf/internal/platform"
	"github.com/cory-johannsen/werewolf/internal/scripting"
	"github.com/cory-johannsen/werewolf/internal/server"
	"github.com/cory-johannsen/werewolf/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	setupsDir := flag.String("setups-dir", "", "override for the setup YAML directory")
	scriptsDir := flag.String("scripts-dir", "", "override for the win-script directory")
	provisionRooms := flag.Int("provision-rooms", 0, "provision N isolated rooms into the inventory and exit")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *setupsDir != "" {
		cfg.Game.SetupsDir = *setupsDir
	}
	if *scriptsDir != "" {
		cfg.Game.ScriptsDir = *scriptsDir
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	// Load game setups.
	setupStart := time.Now()
	setups, err := setup.LoadSetupsFromDir(cfg.Game.SetupsDir)
	if err != nil {
		logger.Fatal("loading setups", zap.Error(err))
	}
	logger.Info("setups loaded",
		zap.Strings("game_types", setups.GameTypes()),
		zap.Duration("elapsed", time.Since(setupStart)),
	)

	// Load win scripts for the setups that declare one.
	winEval := scripting.NewWinEvaluator(logger)
	defer winEval.Close()
	for _, gameType := range setups.GameTypes() {
		st, _ := setups.Get(gameType)
		if st.WinScript == "" {
			continue
		}
		if err := winEval.Load(gameType, cfg.Game.ScriptsDir, st.WinScript, scripting.DefaultInstructionLimit); err != nil {
			logger.Fatal("loading win script",
				zap.String("game_type", gameType),
				zap.String("script", st.WinScript),
				zap.Error(err),
			)
		}
		logger.Info("win script loaded",
			zap.String("game_type", gameType),
			zap.String("script", st.WinScript),
		)
	}

	// Connect to PostgreSQL for the room inventory and replays.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	roomRepo := postgres.NewRoomRepository(pool.DB())
	replayRepo := postgres.NewReplayRepository(pool.DB())

	client := newPlatformClient(cfg.Platform, logger)

	if *provisionRooms > 0 {
		if err := provision(ctx, *provisionRooms, client, roomRepo, logger); err != nil {
			logger.Fatal("provisioning rooms", zap.Error(err))
		}
		pool.Close()
		return
	}

	// Repopulate the in-memory pool from the inventory.
	roomPool := room.NewPool()
	inventory, err := roomRepo.ListAll(ctx)
	if err != nil {
		logger.Fatal("listing room inventory", zap.Error(err))
	}
	for _, rm := range inventory {
		if err := roomPool.Add(rm); err != nil {
			logger.Fatal("adding room to pool",
				zap.String("room", rm.Label()), zap.Error(err))
		}
	}
	if len(inventory) == 0 {
		logger.Warn("room inventory is empty; every game start will fail until rooms are provisioned",
			zap.String("hint", "run with -provision-rooms N"),
		)
	}
	logger.Info("room pool populated", zap.Int("rooms", len(inventory)))

	sessions := registry.NewRegistry(registry.Deps{
		Setups:    setups,
		Durations: cfg.Game.Durations(),
		Pool:      roomPool,
		Platform:  client,
		Recorder:  replayRepo,
		Win:       winEval,
		Source:    random.NewCryptoSource(),
		Logger:    logger,
	})

	// Wire lifecycle. Services stop in reverse order, so the database is
	// added first: sessions flush their replays before the pool closes.
	lifecycle := server.NewLifecycle(logger)

	stopHealth := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopHealth:
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func() {
			close(stopHealth)
			pool.Close()
		},
	})

	stopSessions := make(chan struct{})
	lifecycle.Add("sessions", &server.FuncService{
		StartFn: func() error {
			<-stopSessions
			return nil
		},
		StopFn: func() {
			sessions.Shutdown(ctx)
			close(stopSessions)
		},
	})

	logger.Info("werewolf daemon initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// newPlatformClient builds the configured chat-platform collaborator.
func newPlatformClient(cfg config.PlatformConfig, logger *zap.Logger) platform.Client {
	switch cfg.Mode {
	case "", "log":
		return platform.NewLogClient(logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown platform mode %q\n", cfg.Mode)
		os.Exit(1)
		return nil
	}
}

// provision creates n isolated rooms on the platform and records them in
// the inventory.
func provision(ctx context.Context, n int, client platform.Client, repo *postgres.RoomRepository, logger *zap.Logger) error {
	for i := 0; i < n; i++ {
		id, err := client.CreateIsolatedRoom(ctx, "")
		if err != nil {
			return fmt.Errorf("creating isolated room: %w", err)
		}
		number, err := repo.NextNumber(ctx)
		if err != nil {
			return err
		}
		rm := room.Room{ID: id, Number: number}
		if err := repo.Insert(ctx, rm); err != nil {
			return err
		}
		logger.Info("room provisioned",
			zap.String("room", rm.Label()),
			zap.String("platform_id", rm.ID),
		)
	}
	return nil
}
