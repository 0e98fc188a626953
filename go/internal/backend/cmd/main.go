package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/spinwheel/go/internal/backend/memory"
	"github.com/mcdev12/spinwheel/go/internal/backend/rpc"
	"github.com/mcdev12/spinwheel/go/internal/config"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/mcdev12/spinwheel/go/internal/realtime/natsbus"
)

const offerSweepInterval = 2 * time.Second

func main() {
	cfg, err := config.Load()
	config.SetupLogging(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	natsCfg := natsbus.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "spinwheel-backend"
	bus, err := natsbus.Connect(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer bus.Close()

	mem := memory.New(memory.WithPublisher(bus))
	for n := 1; n <= cfg.SeedScreens; n++ {
		mem.AddScreen(n)
	}

	mux := http.NewServeMux()
	path, handler := rpc.NewHandler(mem)
	mux.Handle(path, handler)
	registerAdmin(mux, mem, bus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.BackendPort),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweepOffers(ctx, mem)

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Int("screens", cfg.SeedScreens).
			Str("nats_url", cfg.NATSURL).
			Msg("dev backend starting")
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
	log.Info().Msg("dev backend shutdown complete")
}

// sweepOffers stands in for the database's scheduled offer job.
func sweepOffers(ctx context.Context, mem *memory.Backend) {
	ticker := time.NewTicker(offerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mem.ProcessExpiredOffers(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process expired offers")
			}
		}
	}
}

// registerAdmin adds staff endpoints for seeding players and nudging displays.
func registerAdmin(mux *http.ServeMux, mem *memory.Backend, bus *natsbus.Bus) {
	mux.HandleFunc("POST /admin/screens/{screen}/enqueue", func(w http.ResponseWriter, r *http.Request) {
		screen, err := strconv.Atoi(r.PathValue("screen"))
		if err != nil {
			http.Error(w, "invalid screen number", http.StatusBadRequest)
			return
		}
		var selected []int
		for _, raw := range r.URL.Query()["option"] {
			i, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid option", http.StatusBadRequest)
				return
			}
			selected = append(selected, i)
		}
		entry, err := mem.Enqueue(screen, r.URL.Query().Get("name"), r.URL.Query().Get("emoji"), selected)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q}`, entry.ID.String())
	})

	mux.HandleFunc("POST /admin/screens/{screen}/reload", func(w http.ResponseWriter, r *http.Request) {
		screen, err := strconv.Atoi(r.PathValue("screen"))
		if err != nil {
			http.Error(w, "invalid screen number", http.StatusBadRequest)
			return
		}
		payload, _ := structpb.NewStruct(map[string]any{"requested_at": time.Now().UTC().Format(time.RFC3339)})
		if err := bus.Broadcast(r.Context(), realtime.ScreenChannel(screen), realtime.EventForceReload, payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// The body is a JSON preview payload, passed through as-is.
	mux.HandleFunc("POST /admin/screens/{screen}/preview", func(w http.ResponseWriter, r *http.Request) {
		screen, err := strconv.Atoi(r.PathValue("screen"))
		if err != nil {
			http.Error(w, "invalid screen number", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		payload := &structpb.Struct{}
		if err := protojson.Unmarshal(body, payload); err != nil {
			http.Error(w, "invalid preview payload", http.StatusBadRequest)
			return
		}
		if err := bus.Broadcast(r.Context(), realtime.ScreenChannel(screen), realtime.EventPreviewUpdate, payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
