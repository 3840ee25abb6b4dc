package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/bidengine/internal/auction"
	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/event"
	"github.com/jensholdgaard/bidengine/internal/gateway"
	"github.com/jensholdgaard/bidengine/internal/health"
	"github.com/jensholdgaard/bidengine/internal/increment"
	"github.com/jensholdgaard/bidengine/internal/leader"
	"github.com/jensholdgaard/bidengine/internal/lock"
	"github.com/jensholdgaard/bidengine/internal/notify"
	"github.com/jensholdgaard/bidengine/internal/payment"
	"github.com/jensholdgaard/bidengine/internal/scheduler"
	"github.com/jensholdgaard/bidengine/internal/store"
	"github.com/jensholdgaard/bidengine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/bidengine/internal/store/memstore"
	_ "github.com/jensholdgaard/bidengine/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	healthHandler := health.NewHandler(clk, health.Checker{Name: "database", Check: repos.Ping})

	var publisher event.Publisher = event.NopPublisher{}
	if cfg.NATS.Enabled {
		nats, natsErr := event.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if natsErr != nil {
			return fmt.Errorf("connecting to nats: %w", natsErr)
		}
		defer nats.Close()
		publisher = nats
		healthHandler.Add(health.Checker{Name: "nats", Check: nats.Ping, Optional: true})
		logger.InfoContext(ctx, "publishing auction events", slog.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	var locker lock.Locker = lock.Nop{}
	if cfg.Redis.Enabled {
		client, redisErr := lock.Dial(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to redis: %w", redisErr)
		}
		defer client.Close()
		locker = lock.NewRedis(client, cfg.Scheduler.LockKey, cfg.Scheduler.LockTTL)
		healthHandler.Add(health.Checker{
			Name:     "redis",
			Check:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
			Optional: true,
		})
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.Driver == "discord" {
		session, sessErr := notify.NewDiscordSession(cfg.Notify.DiscordToken)
		if sessErr != nil {
			return fmt.Errorf("creating discord session: %w", sessErr)
		}
		discord := notify.NewDiscord(session, repos.Users, logger, tp.TracerProvider)
		if startErr := discord.Start(ctx); startErr != nil {
			return fmt.Errorf("starting discord notifier: %w", startErr)
		}
		defer func() {
			if stopErr := discord.Stop(); stopErr != nil {
				logger.Error("discord shutdown error", slog.Any("error", stopErr))
			}
		}()
		notifier = discord
	}

	increments := increment.NewResolver(repos.Increments)
	if reloadErr := increments.Reload(ctx); reloadErr != nil {
		logger.WarnContext(ctx, "increment table unavailable, using ladder", slog.Any("error", reloadErr))
	}

	conns := gateway.NewConnections()
	rooms := gateway.NewRooms()
	modes := gateway.NewModes()

	actor, err := auction.New(auction.Params{
		Auctions:   repos.Auctions,
		Increments: increments,
		Modes:      modes,
		Publisher:  publisher,
		Config:     cfg.Auction,
		Logger:     logger,
		Tracer:     tp.TracerProvider,
		Meter:      tp.MeterProvider,
		Clock:      clk,
	})
	if err != nil {
		return fmt.Errorf("creating auction actor: %w", err)
	}

	hub := gateway.NewHub(gateway.HubParams{
		Actor:       actor,
		Catalog:     repos.Catalog,
		Connections: conns,
		Rooms:       rooms,
		Modes:       modes,
		Logger:      logger,
		Tracer:      tp.TracerProvider,
		Clock:       clk,
	})
	settler := scheduler.NewSettler(scheduler.SettlerParams{
		Actor:     actor,
		Catalog:   repos.Catalog,
		Payments:  payment.NewClient(cfg.Payment, logger),
		Notifier:  notifier,
		Announcer: hub,
		Currency:  cfg.Payment.Currency,
		Logger:    logger,
		Tracer:    tp.TracerProvider,
	})
	hub.SetSettler(settler)

	sweep := scheduler.New(scheduler.Params{
		Auctions:   repos.Auctions,
		Increments: increments,
		Settler:    settler,
		Locker:     locker,
		Config:     cfg.Scheduler,
		Logger:     logger,
		Tracer:     tp.TracerProvider,
		Clock:      clk,
	})
	server := gateway.NewServer(hub, gateway.HeaderAuthenticator{}, cfg.Gateway, logger)

	// serve is the work only the leader runs: one replica owns the
	// per-auction locks and the sweep.
	serve := func(ctx context.Context) error {
		healthHandler.SetReady(true)
		defer healthHandler.SetReady(false)
		logger.InfoContext(ctx, "bidengine is running", slog.String("version", version))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sweep.Run(gctx) })
		g.Go(func() error {
			return server.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.ShutdownTimeout)
		})
		return g.Wait()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthHandler.Serve(gctx, fmt.Sprintf(":%d", cfg.Server.HealthPort), cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		// Losing leadership ends the process so the pod restarts as a
		// follower.
		defer cancel()
		return leader.Gate(gctx, cfg.LeaderElection, logger, serve)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
