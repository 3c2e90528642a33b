package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/dhima/ledger-bus/docs" // Import generated docs
	"github.com/dhima/ledger-bus/internal/api"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/pkg/config"
	"go.uber.org/zap"
)

// @title Ledger Bus API
// @version 1.0
// @description Event bus, cache and WebSocket relay backed by a single ledger table.
// @description
// @description ## Features
// @description - **Events**: publish once, delivered locally at once and to other instances by polling
// @description - **Cache**: TTL key/value entries stored as ledger rows
// @description - **Relay**: WebSocket clients receive every event and can call server tools
// @description - **Kafka**: optional mirroring of every event to a topic

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build api server", zap.Error(err))
	}
	if err := srv.Serve(ctx); err != nil {
		logger.Fatal("api server stopped", zap.Error(err))
	}
}
