package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/jensholdgaard/auctiond/internal/account"
	"github.com/jensholdgaard/auctiond/internal/api"
	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/bot"
	"github.com/jensholdgaard/auctiond/internal/broadcast"
	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/health"
	"github.com/jensholdgaard/auctiond/internal/leader"
	"github.com/jensholdgaard/auctiond/internal/livestore"
	"github.com/jensholdgaard/auctiond/internal/livestore/redisstore"
	"github.com/jensholdgaard/auctiond/internal/mq"
	"github.com/jensholdgaard/auctiond/internal/realtime"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auctiond/internal/store/memstore"
	_ "github.com/jensholdgaard/auctiond/internal/store/postgres"
)

var version = "dev"

func main() {
	flags := pflag.NewFlagSet("auctiond", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to configuration file")
	envFile := flags.String("env-file", ".env", "optional file of AUCTIOND_* environment overrides")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

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

	live, closeLive, err := openLiveStore(ctx, cfg.LiveStore, clk)
	if err != nil {
		return fmt.Errorf("opening live store (driver=%s): %w", cfg.LiveStore.Driver, err)
	}
	defer closeLive()
	logger.InfoContext(ctx, "connected to live store", slog.String("driver", cfg.LiveStore.Driver))

	hub := broadcast.NewHub()

	if cfg.Events.AMQPURL != "" {
		publisher, mqErr := mq.Dial(cfg.Events, logger, tp.TracerProvider)
		if mqErr != nil {
			return fmt.Errorf("connecting event broker: %w", mqErr)
		}
		defer publisher.Close()
		go publisher.Forward(ctx, hub, broadcast.All)
		logger.InfoContext(ctx, "publishing events", slog.String("exchange", cfg.Events.Exchange))
	}

	auctionMgr := auction.NewManager(repos, live, hub, cfg.Engine, logger, tp.TracerProvider, tp.MeterProvider, clk)
	accountMgr := account.NewManager(repos.Accounts, repos.Events, logger, tp.TracerProvider)
	scheduler := auction.NewScheduler(auctionMgr, cfg.Engine.TickInterval, logger, tp.TracerProvider, clk)

	if cfg.Discord.Enabled {
		discordBot, botErr := bot.New(cfg.Discord, auctionMgr, accountMgr, logger, tp.TracerProvider)
		if botErr != nil {
			return fmt.Errorf("creating bot: %w", botErr)
		}
		if botErr = discordBot.Start(ctx); botErr != nil {
			return fmt.Errorf("starting bot: %w", botErr)
		}
		defer func() {
			if stopErr := discordBot.Stop(); stopErr != nil {
				logger.Error("bot shutdown error", slog.Any("error", stopErr))
			}
		}()
		go discordBot.Announcer().Run(ctx, hub, broadcast.All)
	}

	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
		health.Checker{Name: "livestore", Check: live.Ping},
	)

	router := mux.NewRouter()
	healthHandler.Register(router)
	api.NewServer(auctionMgr, accountMgr, logger, tp.TracerProvider).Register(router)
	realtime.NewHandler(auctionMgr, hub, logger, tp.TracerProvider).Register(router)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running",
		slog.String("version", version),
		slog.Bool("leader_election", cfg.LeaderElection.Enabled),
	)

	// Every replica serves bids; only the leader drives the lifecycle.
	if err := leader.Gate(ctx, cfg.LeaderElection, logger, scheduler.Run); err != nil {
		logger.ErrorContext(ctx, "leader election failed", slog.Any("error", err))
		cancel()
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openLiveStore connects the configured live store and returns a release
// function.
func openLiveStore(ctx context.Context, cfg config.LiveStoreConfig, clk clock.Clock) (livestore.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return livestore.NewMemory(clk, cfg.TTL), func() {}, nil
	case "redis":
		s, err := redisstore.Connect(ctx, cfg, clk)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown live store driver %q", cfg.Driver)
	}
}
