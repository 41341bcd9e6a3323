// Worker consumes security events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, SECURITY_EVENTS_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"schoolhub/backend/internal/config"
	"schoolhub/backend/internal/logger"
	"schoolhub/backend/internal/telemetry/consumer"
	"schoolhub/backend/internal/telemetry/loki"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.WithComponent(logger.New(cfg.LogLevel, cfg.Env), "worker")
	defer func() { _ = log.Sync() }()

	client, err := loki.NewClient(cfg.LokiURL, nil)
	if err != nil {
		log.Fatal("loki client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := consumer.NewReader(cfg.KafkaBrokersList(), cfg.SecurityEventsTopic, cfg.KafkaGroupID)
	defer reader.Close()

	log.Info("consuming security events",
		zap.String("topic", cfg.SecurityEventsTopic),
		zap.String("group", cfg.KafkaGroupID),
		zap.String("loki", cfg.LokiURL))

	if err := consumer.New(reader, client.PushEventJSON, log).Run(ctx); err != nil {
		log.Error("consumer stopped", zap.Error(err))
	}
	log.Info("worker stopped")
}
