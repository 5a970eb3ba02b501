// Package server provides the HTTP health, metrics and artifact endpoints of
// the detector.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/config"
	"github.com/invisible-tech/meshguard/internal/types"
	"github.com/invisible-tech/meshguard/internal/version"
)

// ArtifactSource exposes the summary of the loaded artifacts.
type ArtifactSource interface {
	Info() types.ArtifactInfo
}

// Server is the HTTP server of the detector. Health never depends on
// pipeline state.
type Server struct {
	cfg        config.DetectorConfig
	artifacts  ArtifactSource
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server that reports on the given artifacts.
func New(cfg config.DetectorConfig, artifacts ArtifactSource, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, artifacts: artifacts, log: log}
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/artifacts", s.handleArtifacts)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Detector listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "meshguard anomaly detector "+version.Version+" is running\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.artifacts.Info())
}
