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

	"github.com/urfave/cli/v2"

	"github.com/MohamedAYassin/PeerLink/core/cluster"
	"github.com/MohamedAYassin/PeerLink/core/config"
	"github.com/MohamedAYassin/PeerLink/core/gateway"
	"github.com/MohamedAYassin/PeerLink/core/pubsub"
	"github.com/MohamedAYassin/PeerLink/core/registry"
	"github.com/MohamedAYassin/PeerLink/core/session"
	"github.com/MohamedAYassin/PeerLink/core/storage"
	"github.com/MohamedAYassin/PeerLink/core/transfer"
	"github.com/MohamedAYassin/PeerLink/lib/logger"
)

var log, _ = logger.New("server")

const version = "1.0.0"

const shutdownGrace = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "peerlink-server",
		Usage: "Share session relay node",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen port, overrides PORT",
			},
			&cli.StringFlag{
				Name:  "hostname",
				Usage: "Advertised hostname, overrides NODE_HOSTNAME",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	if c.Int("port") != 0 {
		cfg.Server.Port = c.Int("port")
	}
	if c.String("hostname") != "" {
		cfg.Server.Hostname = c.String("hostname")
	}
	if cfg.Server.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		cfg.Server.Hostname = hostname
	}

	store, bus, err := buildBackends(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.NewRegistry(ctx, store, cfg.Server.Hostname, cfg.Server.Port)
	if err != nil {
		return err
	}

	coordinator := cluster.NewCoordinator(store, bus, reg)

	sessions := session.NewManager(store, bus, coordinator, session.Config{
		HeartbeatPerMinute: cfg.Limits.HeartbeatPerMinute,
		RateLimitWindow:    cfg.TTL.RateLimitWindow,
	})

	engine := transfer.NewEngine(store, coordinator, transfer.Config{
		MaxFileSize:            cfg.Limits.MaxFileSize,
		MaxConcurrentUploads:   cfg.Limits.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.Limits.MaxConcurrentDownloads,
		MaxConcurrentTransfers: cfg.Limits.MaxConcurrentTransfers,
		AckTimeout:             cfg.AckTimeout(),
		MaxRetries:             cfg.Limits.MaxRetries,
		ChecksumEnabled:        cfg.Limits.ChecksumEnabled,
	})

	gw := gateway.NewGateway(sessions, engine, coordinator, store, cfg, version)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	go coordinator.StartElection(ctx)
	go reg.StartHeartbeat(ctx)
	go reg.StartSweep(ctx)
	go transfer.NewAckMonitor(engine).Start(ctx)
	go storage.NewSweeper(store).Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: gw.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("startup", "status", "gateway listening", "port", cfg.Server.Port,
			"cluster", cfg.Cluster.Enabled, "nodeId", reg.Node().ID)
		serverErr <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-shutdown:
		log.Infow("shutdown", "status", "signal received", "signal", sig)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()

	if err := server.Shutdown(drainCtx); err != nil {
		log.Errorw("shutdown", "error", err)
	}

	gw.Shutdown(drainCtx)

	if err := reg.Shutdown(drainCtx); err != nil {
		log.Errorw("shutdown", "error", err)
	}

	// mastery lapses with the lock TTL; the key is not deleted
	coordinator.Shutdown(drainCtx)

	cancel()

	if err := bus.Close(); err != nil {
		log.Errorw("shutdown", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Errorw("shutdown", "error", err)
	}

	log.Infow("shutdown", "status", "node stopped")
	return nil
}

// buildBackends picks the storage and pubsub pair for the configured
// mode. Cluster mode requires the shared redis store. USE_REDIS selects
// redis storage and pubsub in either mode; without it the node runs on
// the embedded store (LevelDB when enabled) and the in-process bus.
func buildBackends(cfg *config.Config) (storage.Store, pubsub.PubSub, error) {
	ttl := storage.TTLs{
		ClientSession: cfg.TTL.ClientSession,
		ShareSession:  cfg.TTL.ShareSession,
		UploadState:   cfg.TTL.UploadState,
	}

	if cfg.Cluster.Enabled && !cfg.Cluster.UseRedis {
		return nil, nil, errors.New("cluster mode requires USE_REDIS=true")
	}

	if cfg.Cluster.UseRedis {
		store, err := storage.NewRedis(storage.RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, ttl)
		if err != nil {
			return nil, nil, err
		}

		log.Infow("startup", "status", "redis store connected", "addr", cfg.RedisAddr())
		return store, pubsub.NewRedis(store.Client()), nil
	}

	if cfg.Store.UseLevelDB {
		store, err := storage.NewLevelDB(cfg.Store.Path, ttl)
		if err != nil {
			return nil, nil, err
		}

		log.Infow("startup", "status", "leveldb store opened", "path", cfg.Store.Path)
		return store, pubsub.NewMemory(), nil
	}

	return storage.NewMemory(ttl), pubsub.NewMemory(), nil
}
