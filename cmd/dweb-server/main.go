// dweb transports server
//
// Features:
// - Failover fetch with optional relay repair
// - Fan-out store, list merge and table writes across transports
// - Ranged streaming with preferred transports
// - SSE stream of transport status changes
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/app"
	"github.com/internetarchive/dweb-transports-sub000/internal/config"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("dweb server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := app.NewRouter(ctx, cfg)
	if err != nil {
		logging.Fatal("transport setup failed", zap.Error(err))
	}
	for _, st := range r.Statuses() {
		logging.Info("transport ready",
			zap.String("transport", st.Name),
			zap.Stringer("status", st.Status))
	}

	if err := app.Serve(ctx, cfg, r); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
