package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/backend/memory"
	"github.com/mcdev12/spinwheel/go/internal/backend/pgrpc"
	"github.com/mcdev12/spinwheel/go/internal/backend/rpc"
	"github.com/mcdev12/spinwheel/go/internal/config"
	"github.com/mcdev12/spinwheel/go/internal/display/gateway"
	"github.com/mcdev12/spinwheel/go/internal/history"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	memhub "github.com/mcdev12/spinwheel/go/internal/realtime/memory"
	"github.com/mcdev12/spinwheel/go/internal/realtime/natsbus"
	"github.com/mcdev12/spinwheel/go/internal/realtime/pgchanges"
	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
	"github.com/mcdev12/spinwheel/go/internal/screen/session"
	"github.com/mcdev12/spinwheel/go/internal/screen/watchdog"
)

func main() {
	cfg, err := config.Load()
	config.SetupLogging(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := watchdog.DefaultTable()
	if cfg.WatchdogFile != "" {
		if table, err = watchdog.LoadTable(cfg.WatchdogFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.WatchdogFile).Msg("failed to load watchdog table")
		}
	}

	deps, err := setupDependencies(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend_mode", cfg.BackendMode).Msg("failed to set up backend")
	}
	defer deps.close()

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.HistoryPath).Msg("failed to open spin history")
	}
	defer hist.Close()

	display, err := session.NewDisplaySession(session.DisplayConfig{
		ScreenNumber: cfg.ScreenNumber,
		Backend:      deps.backend,
		Bus:          deps.bus,
		Watchdogs:    table,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create display session")
	}
	display.OnOutcome(func(o reconciler.Outcome) {
		instance := display.Arbitrator().Self().InstanceID
		if _, err := hist.Record(ctx, instance, o, time.Now()); err != nil {
			log.Error().Err(err).Int("screen", o.Screen).Uint64("episode", o.Episode).Msg("failed to record outcome")
		}
	})

	gwCfg := gateway.DefaultConfig()
	gwCfg.JoinURL = cfg.JoinURL
	gw := gateway.NewService(gwCfg, hist)
	gw.Attach(display)

	handler, err := gw.Handler()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway routes")
	}
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	log.Info().
		Int("screen", cfg.ScreenNumber).
		Str("backend_mode", cfg.BackendMode).
		Str("instance", display.Arbitrator().Self().InstanceID).
		Str("port", cfg.HTTPPort).
		Msg("starting display agent")

	for _, run := range deps.runners {
		go func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("realtime listener failed")
			}
		}()
	}
	go gw.Start(ctx)
	go func() {
		if err := display.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("display session failed")
		}
	}()
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()
	log.Info().Msg("display agent shutdown complete")
}

type dependencies struct {
	backend backend.Backend
	bus     realtime.Bus
	runners []func(context.Context) error
	closers []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// setupDependencies picks the backend and realtime transports for BACKEND_MODE.
//
//	memory:   in-process backend and hub, for a self-contained demo
//	rpc:      connect client to the dev backend, NATS for presence, broadcasts and row changes
//	postgres: stored functions over pgx, LISTEN/NOTIFY row changes, NATS for presence and broadcasts
func setupDependencies(ctx context.Context, cfg config.Config) (*dependencies, error) {
	deps := &dependencies{}

	if cfg.BackendMode == config.BackendMemory {
		hub := memhub.NewHub()
		mem := memory.New(memory.WithPublisher(hub))
		for n := 1; n <= max(cfg.SeedScreens, cfg.ScreenNumber); n++ {
			mem.AddScreen(n)
		}
		deps.backend = mem
		deps.bus = hub
		return deps, nil
	}

	natsCfg := natsbus.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = fmt.Sprintf("spinwheel-display-%d", cfg.ScreenNumber)
	nb, err := natsbus.Connect(natsCfg)
	if err != nil {
		return nil, err
	}
	deps.closers = append(deps.closers, nb.Close)

	switch cfg.BackendMode {
	case config.BackendRPC:
		deps.backend = rpc.NewClient(&http.Client{Timeout: 10 * time.Second}, cfg.BackendURL)
		deps.bus = nb
	case config.BackendPostgres:
		pool, err := pgrpc.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.closers = append(deps.closers, pool.Close)
		deps.backend = pgrpc.New(pool)

		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		deps.closers = append(deps.closers, func() { db.Close() })

		lcfg := pgchanges.DefaultListenerConfig()
		lcfg.DatabaseURL = cfg.Database.DSN()
		lcfg.NotifyChannel = cfg.NotifyChannel
		listener, err := pgchanges.NewListener(db, lcfg)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.runners = append(deps.runners, listener.Start)
		deps.bus = realtime.Combine(nb, listener)
	}
	return deps, nil
}
