// vin-node is the confidential inference proxy daemon. It resolves the node
// keypairs, assembles the admission pipeline, and serves the HTTP surface on
// TCP or, inside an enclave, on vsock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"vin/keys"
	"vin/node"
	"vin/shared"
	"vin/tee"
)

func main() {
	godotenv.Load()

	cfg := shared.LoadConfig()
	logger, err := shared.NewLoggerFromEnv("vin-node")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	adapter := tee.NewAdapter(cfg.PlatformAgentURL, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	kp, err := keys.Resolve(ctx, adapter, cfg.KeyPath, logger)
	cancel()
	if err != nil {
		logger.Critical("key resolution failed", zap.Error(err))
		os.Exit(1)
	}

	server, err := node.NewServer(cfg, logger, kp, adapter)
	if err != nil {
		logger.Critical("server init failed", zap.Error(err))
		os.Exit(1)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.InfoIf("vin-node starting",
		zap.String("node_pubkey", server.Engine().NodePubkey()),
		zap.String("key_source", string(kp.Source())),
		zap.Bool("test_mode", cfg.TestMode),
		zap.Bool("allow_legacy", cfg.AllowLegacy),
	)
	if err := server.ListenAndServe(); err != nil {
		logger.Critical("server stopped", zap.Error(err))
	}
}
