// Package server exposes the control API, the browser page and the live
// websocket feed.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/dispatch"
	"github.com/jetvision/agent/internal/models"
	"github.com/jetvision/agent/internal/platform"
	"github.com/jetvision/agent/internal/source"
)

//go:embed web/*
var webFS embed.FS

// Controller is the dispatch loop as seen by the API.
type Controller interface {
	Start(cfg config.StreamConfig) error
	Stop()
	State() dispatch.State
	Stats() models.LoopStats
	Stream() config.StreamConfig
}

// Feed is the websocket endpoint.
type Feed interface {
	http.Handler
	ClientCount() int
	PublishMetrics(snap *models.MetricsSnapshot)
}

// MetricsReader returns the latest hardware snapshot, or nil, and the last
// raw tegrastats line.
type MetricsReader interface {
	Load() *models.MetricsSnapshot
	LastRaw() string
}

// Server serves the HTTP surface.
type Server struct {
	cfg         config.ServerConfig
	defaults    config.StreamConfig
	loop        Controller
	feed        Feed
	metrics     MetricsReader
	metricsMode string
	device      platform.Device
	logger      *zap.Logger
}

// New creates a server. defaults fill the fields a start request leaves out.
func New(cfg config.ServerConfig, defaults config.StreamConfig, loop Controller, feed Feed,
	metrics MetricsReader, metricsMode string, device platform.Device, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		defaults:    defaults,
		loop:        loop,
		feed:        feed,
		metrics:     metrics,
		metricsMode: metricsMode,
		device:      device,
		logger:      logger.Named("server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	if s.feed != nil {
		mux.Handle("/ws", s.feed)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/videos", s.handleVideos)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/upload", s.handleUpload)
	return mux, nil
}

// Run serves until ctx is cancelled. While no run is active it keeps the
// browsers' metrics panel fresh every interval.
func (s *Server) Run(ctx context.Context, metricsEvery time.Duration) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if s.feed != nil && s.metrics != nil && metricsEvery > 0 {
		go s.feedMetrics(ctx, metricsEvery)
	}

	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Listen))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) feedMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A running loop ships metrics with every update.
			if s.loop.State() == dispatch.Idle {
				s.feed.PublishMetrics(s.metrics.Load())
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	State       string                  `json:"state"`
	Stats       models.LoopStats        `json:"stats"`
	Stream      config.StreamConfig     `json:"stream"`
	Metrics     *models.MetricsSnapshot `json:"metrics"`
	MetricsRaw  string                  `json:"metrics_raw,omitempty"`
	MetricsMode string                  `json:"metrics_mode"`
	Device      platform.Device         `json:"device"`
	WSClients   int                     `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := statusResponse{
		State:       s.loop.State().String(),
		Stats:       s.loop.Stats(),
		Stream:      s.loop.Stream(),
		MetricsMode: s.metricsMode,
		Device:      s.device,
	}
	if s.metrics != nil {
		resp.Metrics = s.metrics.Load()
		resp.MetricsRaw = s.metrics.LastRaw()
	}
	if s.feed != nil {
		resp.WSClients = s.feed.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	videos, err := source.ListVideos(s.cfg.VideosDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dir":    s.cfg.VideosDir,
		"videos": videos,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	cfg := s.defaults
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if cfg.Source == config.SourceMountedFile && cfg.Path != "" && !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(s.cfg.VideosDir, cfg.Path)
	}

	s.start(w, cfg)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.loop.Stop()
	writeJSON(w, http.StatusAccepted, map[string]any{"state": s.loop.State().String()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	maxBytes := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	cfg := s.defaults
	cfg.Source = config.SourceUploadedFile
	if v := r.FormValue("confidence_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg.ConfidenceThreshold = f
	}
	if v := r.FormValue("fps_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg.FPSLimit = n
	}
	// Reject a bad config before writing the blob.
	cfg.Path = header.Filename
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	path, err := source.SaveUpload(s.cfg.UploadDir, header.Filename, file, maxBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Upload saved", zap.String("name", header.Filename), zap.String("path", path))

	cfg.Path = path
	if !s.start(w, cfg) {
		// A run that never started will not clean up after itself.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Removing rejected upload failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// start begins a run and writes the response. It reports whether the run started.
func (s *Server) start(w http.ResponseWriter, cfg config.StreamConfig) bool {
	err := s.loop.Start(cfg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"state":  s.loop.State().String(),
			"run_id": s.loop.Stats().RunID,
			"stream": cfg,
		})
	case errors.Is(err, config.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatch.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Warn("Start failed", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err)
	}
	return err == nil
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
