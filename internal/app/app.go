// Package app wires configuration into a running router and HTTP servers.
// Both binaries start the engine through it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/api"
	"github.com/internetarchive/dweb-transports-sub000/internal/auth"
	"github.com/internetarchive/dweb-transports-sub000/internal/config"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/naming"
	"github.com/internetarchive/dweb-transports-sub000/internal/router"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport/local"
)

const shutdownTimeout = 10 * time.Second

// Specs returns the transport specs the configuration asks for: those in
// TransportsFile, or one local transport named LOCAL.
func Specs(cfg *config.Config) ([]router.Spec, error) {
	if cfg.TransportsFile != "" {
		return router.LoadSpecs(cfg.TransportsFile)
	}
	raw, err := json.Marshal(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	if err != nil {
		return nil, err
	}
	return []router.Spec{{Name: "LOCAL", Type: "local", Config: raw}}, nil
}

// NewRouter builds a router from cfg and connects every transport not
// listed as paused. A transport that fails to connect does not fail the
// call; it is left Failed.
func NewRouter(ctx context.Context, cfg *config.Config) (*router.Router, error) {
	specs, err := Specs(cfg)
	if err != nil {
		return nil, err
	}

	r := router.New(router.Options{FetchTimeout: cfg.FetchTimeout})
	if err := r.Setup0(specs); err != nil {
		return nil, err
	}
	r.SetPaused(cfg.PausedTransports)

	switch {
	case cfg.MirrorURL != "":
		r.SetMirror(naming.NewMirror(cfg.MirrorURL))
		logging.Info("mirror mode", zap.String("mirror", cfg.MirrorURL))
	case cfg.NamesFile != "":
		table, err := naming.LoadTable(cfg.NamesFile)
		if err != nil {
			return nil, err
		}
		r.SetNaming(table)
		logging.Info("name table loaded", zap.Int("names", table.Len()))
	}

	r.Connect(ctx)
	return r, nil
}

// Serve runs the API and metrics servers until ctx is done, then shuts them
// down and stops the router.
func Serve(ctx context.Context, cfg *config.Config, r *router.Router) error {
	srv := api.NewServer(r, auth.New(cfg.JWTSecret), api.Options{
		MaxUploadSize: cfg.MaxUploadSize,
		Relay:         cfg.Relay,
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.CloseStreams)
	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening (HTTP)",
			zap.String("addr", cfg.ListenAddr),
			zap.Bool("auth", cfg.JWTSecret != ""))
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	if err := r.Stop(shutdownCtx); err != nil {
		logging.Warn("transport teardown incomplete", zap.Error(err))
	}
	return serveErr
}
