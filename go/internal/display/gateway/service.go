// Package gateway serves a display agent's state to renderers over websocket and HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/mcdev12/spinwheel/go/internal/history"
	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
	"github.com/mcdev12/spinwheel/go/internal/screen/session"
)

const (
	defaultQRSize       = 256
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// SnapshotSource provides the current display state for a screen.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// HistoryReader lists recorded outcomes for a screen.
type HistoryReader interface {
	Recent(ctx context.Context, screen, limit int) ([]history.Entry, error)
}

type Config struct {
	Connection ConnectionConfig
	// JoinURL builds the address encoded in a screen's QR code.
	JoinURL func(screen int) string
	QRSize  int
}

func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
		JoinURL:    func(screen int) string { return fmt.Sprintf("/join?screen=%d", screen) },
		QRSize:     defaultQRSize,
	}
}

type Service struct {
	connectionManager *ConnectionManager
	config            Config
	history           HistoryReader

	mu      sync.RWMutex
	sources map[int]SnapshotSource
}

// NewService creates a gateway. history may be nil.
func NewService(config Config, hist HistoryReader) *Service {
	if config.QRSize <= 0 {
		config.QRSize = defaultQRSize
	}
	if config.JoinURL == nil {
		config.JoinURL = DefaultConfig().JoinURL
	}
	return &Service{
		connectionManager: NewConnectionManager(config.Connection),
		config:            config,
		history:           hist,
		sources:           make(map[int]SnapshotSource),
	}
}

// Register makes screen's state available to renderers.
func (s *Service) Register(screen int, src SnapshotSource) {
	s.mu.Lock()
	s.sources[screen] = src
	s.mu.Unlock()
}

// Attach registers a display session and pushes its snapshots and outcomes to renderers.
func (s *Service) Attach(d *session.DisplaySession) {
	snap := d.Snapshot()
	s.Register(snap.ScreenNumber, d)
	d.OnSnapshot(s.PublishSnapshot)
	d.OnOutcome(s.PublishOutcome)
}

func (s *Service) PublishSnapshot(snap session.Snapshot) {
	s.connectionManager.BroadcastToScreen(snap.ScreenNumber, snapshotMessage(snap))
}

func (s *Service) PublishOutcome(o reconciler.Outcome) {
	s.connectionManager.BroadcastToScreen(o.Screen, outcomeMessage(o))
}

// Start runs the connection manager until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting display gateway")
	s.connectionManager.Start(ctx)
	return nil
}

func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.Stats()
}

func (s *Service) source(screen int) (SnapshotSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[screen]
	return src, ok
}

// Handler returns the gateway routes behind CORS. /api responses are gzip compressed.
func (s *Service) Handler() (http.Handler, error) {
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip wrapper: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/ws/display", s.handleDisplayConnection)

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gz(next) })
		r.Get("/stats", s.handleStats)
		r.Route("/screens/{screen}", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Get("/history", s.handleHistory)
			r.Get("/join.png", s.handleJoinQR)
		})
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r), nil
}

func screenParam(w http.ResponseWriter, raw string) (int, bool) {
	screen, err := strconv.Atoi(raw)
	if err != nil || screen <= 0 {
		http.Error(w, "invalid screen number", http.StatusBadRequest)
		return 0, false
	}
	return screen, true
}

func (s *Service) handleDisplayConnection(w http.ResponseWriter, r *http.Request) {
	screen, ok := screenParam(w, r.URL.Query().Get("screen"))
	if !ok {
		return
	}
	src, ok := s.source(screen)
	if !ok {
		http.Error(w, "screen not served here", http.StatusNotFound)
		return
	}
	// Upgrade writes its own error response on failure.
	if err := s.connectionManager.UpgradeConnection(w, r, screen, snapshotMessage(src.Snapshot())); err != nil {
		log.Error().Err(err).Int("screen", screen).Msg("failed to upgrade websocket connection")
	}
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	screen, ok := screenParam(w, chi.URLParam(r, "screen"))
	if !ok {
		return
	}
	src, ok := s.source(screen)
	if !ok {
		http.Error(w, "screen not served here", http.StatusNotFound)
		return
	}
	writeJSON(w, src.Snapshot())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	screen, ok := screenParam(w, chi.URLParam(r, "screen"))
	if !ok {
		return
	}
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := s.history.Recent(r.Context(), screen, limit)
	if err != nil {
		log.Error().Err(err).Int("screen", screen).Msg("failed to read history")
		http.Error(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Service) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	screen, ok := screenParam(w, chi.URLParam(r, "screen"))
	if !ok {
		return
	}
	png, err := qrcode.Encode(s.config.JoinURL(screen), qrcode.Medium, s.config.QRSize)
	if err != nil {
		log.Error().Err(err).Int("screen", screen).Msg("failed to encode join qr code")
		http.Error(w, "failed to encode qr code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(png)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
