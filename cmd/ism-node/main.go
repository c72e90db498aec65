// ism-node runs a standalone Input Sanitization Module: it attests that
// inputs arrived from approved non-human sources and serves stateless
// attestation verification.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"vin/ism"
	"vin/shared"
)

func main() {
	godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("ism-node")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	ismID := shared.GetEnvOrDefault("ISM_ID", "ism-default")
	sources, err := loadSources(shared.GetEnvOrDefault("ISM_SOURCES_PATH", ""))
	if err != nil {
		logger.Critical("loading approved sources failed", zap.Error(err))
		os.Exit(1)
	}

	instance, err := ism.New(ismID, sources,
		ism.WithMaxInputSize(shared.GetEnvIntOrDefault("MAX_INPUT_SIZE", ism.DefaultMaxInputSize)),
		ism.WithReplaySetMax(shared.GetEnvIntOrDefault("REPLAY_CACHE_MAX", ism.DefaultReplaySetMax)),
		ism.WithLogger(logger),
	)
	if err != nil {
		logger.Critical("ism init failed", zap.Error(err))
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", shared.GetEnvIntOrDefault("PORT", 3403)),
		Handler:           ism.NewServer(instance, logger).Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.InfoIf("ism-node starting",
		zap.String("ism_id", ismID),
		zap.String("ism_pubkey", instance.PubkeyHex()),
		zap.Int("approved_sources", len(sources)),
	)
	if err := server.ListenAndServe(); err != nil {
		logger.Critical("server stopped", zap.Error(err))
	}
}

// loadSources reads the approved-source set from a JSON file. An empty path
// yields a single default cron source for smoke testing.
func loadSources(path string) ([]ism.ApprovedSource, error) {
	if path == "" {
		return []ism.ApprovedSource{{ID: "heartbeat-cron", Type: ism.SourceCron}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sources []ism.ApprovedSource
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sources, nil
}
