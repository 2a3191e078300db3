package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jensholdgaard/player-auction/internal/access"
	"github.com/jensholdgaard/player-auction/internal/api"
	"github.com/jensholdgaard/player-auction/internal/auction"
	"github.com/jensholdgaard/player-auction/internal/bot"
	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
	"github.com/jensholdgaard/player-auction/internal/health"
	"github.com/jensholdgaard/player-auction/internal/leader"
	"github.com/jensholdgaard/player-auction/internal/realtime"
	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/player-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/player-auction/internal/store/postgres"
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

	hub := realtime.NewHub(cfg.Realtime.SubscriberSize, logger)
	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	// Database change feed.
	var feedConnected func() bool
	if cfg.Realtime.Listen {
		listener, listenErr := realtime.NewPGListener(cfg.Database.DSN(), cfg.Realtime.Channel, hub, clk, logger)
		if listenErr != nil {
			return fmt.Errorf("starting change feed: %w", listenErr)
		}
		feedConnected = listener.Connected
		checkers = append(checkers, health.Checker{Name: "change_feed", Check: listener.Check, Optional: true})
		go func() {
			if runErr := listener.Run(ctx); runErr != nil {
				logger.Error("change feed stopped", slog.Any("error", runErr))
			}
		}()
	}

	// Cross-replica fan-out.
	if cfg.Realtime.NATSURL != "" {
		nc, natsErr := realtime.DialNATS(cfg.Realtime.NATSURL, logger)
		if natsErr != nil {
			return natsErr
		}
		defer nc.Close()
		bridge := realtime.NewNATSBridge(nc, hub, cfg.Realtime.NATSSubject, logger)
		go func() {
			if runErr := bridge.Run(ctx); runErr != nil {
				logger.Error("NATS bridge stopped", slog.Any("error", runErr))
			}
		}()
	}

	auctionMgr := auction.NewManager(repos.Store, repos.Events, hub, logger, tp.TracerProvider, clk,
		auction.WithMetrics(tp.Metrics),
	)
	rooms := auction.NewRooms(auctionMgr, cfg.Auction.Timer, cfg.Auction.TickInterval, logger, tp.TracerProvider)

	healthHandler := health.NewHandler(clk, checkers...)

	// Every replica serves the API; live rooms answer on the leader only.
	server := api.New(cfg.Server, cfg.Realtime, api.Deps{
		Manager:       auctionMgr,
		Rooms:         rooms,
		Source:        hub,
		Verifier:      access.NewVerifier(cfg.Access.JWTSecret, access.NewPolicy(cfg.Access), clk),
		Health:        healthHandler,
		Clock:         clk,
		Logger:        logger,
		Metrics:       tp.Metrics,
		FeedConnected: feedConnected,
	})

	handler := otelhttp.NewHandler(server.Handler(), "auctioneer",
		otelhttp.WithTracerProvider(tp.TracerProvider),
		otelhttp.WithMeterProvider(tp.MeterProvider),
	)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctioneer is running", slog.String("version", version))

	// lead is the work only the leader runs.
	lead := func(ctx context.Context) {
		healthHandler.SetLeading(true)
		defer healthHandler.SetLeading(false)

		if startErr := rooms.Start(ctx); startErr != nil {
			logger.ErrorContext(ctx, "live room recovery failed", slog.Any("error", startErr))
		}

		if cfg.Discord.Token != "" {
			discordBot, botErr := bot.New(cfg.Discord, auctionMgr, rooms, logger, tp.TracerProvider)
			if botErr != nil {
				logger.ErrorContext(ctx, "creating bot failed", slog.Any("error", botErr))
			} else if botErr = discordBot.Start(ctx); botErr != nil {
				logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
			} else {
				go func() {
					if announceErr := discordBot.Announce(ctx, hub); announceErr != nil && !errors.Is(announceErr, context.Canceled) {
						logger.Error("announcer stopped", slog.Any("error", announceErr))
					}
				}()
				defer func() {
					if stopErr := discordBot.Stop(); stopErr != nil {
						logger.Error("bot shutdown error", slog.Any("error", stopErr))
					}
				}()
			}
		}

		logger.InfoContext(ctx, "leading live rooms")
		<-ctx.Done()
	}

	if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.Callbacks{
		OnStartedLeading: lead,
		OnStoppedLeading: func() { logger.Info("live rooms handed off") },
	}); leaderErr != nil {
		return fmt.Errorf("leader election: %w", leaderErr)
	}

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

