package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flowcore/datastream/internal/config"
	"github.com/flowcore/datastream/internal/diagnostics"
	"github.com/flowcore/datastream/internal/logging"
	"github.com/flowcore/datastream/internal/telemetry"
	"github.com/flowcore/datastream/internal/transport"
	"github.com/flowcore/datastream/model"
	"github.com/flowcore/datastream/producer"
	"github.com/flowcore/datastream/source/kafka"
	"github.com/flowcore/datastream/supervisor"
	"github.com/flowcore/datastream/task"
)

const (
	grpcPort    = 7070
	metricsPort = 9100

	kafkaConfigPath     = "kafka.yml"
	producerConfigPath  = "producer.yml"
	taskConfigPath      = "task.yml"
	datastreamsFilePath = "pipeline.yml"
	mirrorConnectorName = "kafka-mirror"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.L()

	if err := run(ctx, logger); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	sourceCfg, err := kafka.LoadConfig(kafkaConfigPath)
	if err != nil {
		return fmt.Errorf("load kafka config: %w", err)
	}
	producerCfg, err := loadProducerConfig(sourceCfg)
	if err != nil {
		return fmt.Errorf("load producer config: %w", err)
	}
	taskCfg, err := config.LoadTaskConfig(taskConfigPath)
	if err != nil {
		return fmt.Errorf("load task config: %w", err)
	}
	datastreams, err := config.LoadDatastreams(datastreamsFilePath)
	if err != nil {
		return fmt.Errorf("load datastreams: %w", err)
	}

	prod, err := producer.NewSaramaProducer(producerCfg)
	if err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	defer prod.Close()

	metrics := telemetry.Metrics{}
	factory := &taskFactory{
		sourceCfg: sourceCfg,
		taskCfg:   taskCfg,
		producer:  prod,
		metrics:   metrics,
		logger:    logger,
	}

	sup := supervisor.New(factory, supervisor.Config{
		DaemonInterval:        taskCfg.DaemonInterval,
		NonGoodStateThreshold: taskCfg.NonGoodStateThreshold,
		CancelTaskTimeout:     taskCfg.CancelTaskTimeout,
	}, logger)

	if err := sup.OnAssignmentChange(ctx, datastreams); err != nil {
		return fmt.Errorf("initial assignment: %w", err)
	}
	go sup.Run(ctx)
	defer sup.Stop()

	telemetry.Expose(metricsPort, telemetry.MountedHandler{
		Prefix:  "/",
		Handler: diagnostics.Handler(sup),
	})

	srv, err := transport.StartServer(grpcPort, transport.NewControlServer(sup, logger))
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("control server stopped", "err", err)
		}
	}()
	defer srv.Stop()

	logger.Info("engine started", "grpcPort", grpcPort, "metricsPort", metricsPort, "datastreams", len(datastreams))
	<-ctx.Done()
	logger.Info("engine shutting down")
	return nil
}

// loadProducerConfig takes the producer's brokers from producer.yml, falling
// back to the source cluster's brokers, and reuses the source cluster's
// Kafka version. TLS and SASL settings are not carried over. A destination
// connection string only selects the topic at send time; its host part is
// not used to pick brokers.
func loadProducerConfig(src kafka.Config) (producer.Config, error) {
	raw, err := kafkaBrokersOverride(producerConfigPath)
	if err != nil {
		return producer.Config{}, err
	}
	if len(raw) == 0 {
		raw = src.Brokers
	}
	return producer.Config{
		Brokers: raw,
		Version: src.Version,
	}, nil
}

// kafkaBrokersOverride reads producer.yml through the Kafka driver's config
// loader and keeps only its brokers list, since producer.Config is
// otherwise populated programmatically here rather than loaded wholesale.
func kafkaBrokersOverride(path string) ([]string, error) {
	cfg, err := kafka.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg.Brokers, nil
}

// taskFactory builds one adapter, wrapped in a Task, per datastream —
// grounded on the teacher's single static pipeline wiring in
// internal/engine/bootstrap.go, generalized to run per-assignment instead
// of once at startup.
type taskFactory struct {
	sourceCfg kafka.Config
	taskCfg   config.TaskConfig
	producer  producer.Producer
	metrics   task.Metrics
	logger    *slog.Logger
}

func (f *taskFactory) NewTask(ds model.Datastream) (*task.Task, error) {
	cfg := f.sourceCfg
	cfg.GroupID = ds.GroupID()

	adapter, err := kafka.NewSaramaAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("build adapter for %q: %w", ds.Name, err)
	}

	topics, pattern, mirror, err := subscriptionFor(ds)
	if err != nil {
		return nil, fmt.Errorf("build subscription for %q: %w", ds.Name, err)
	}

	return task.New(task.Deps{
		Datastream:   ds,
		Config:       f.taskCfg,
		Adapter:      adapter,
		Producer:     f.producer,
		Topics:       topics,
		TopicPattern: pattern,
		Mirror:       mirror,
		Readiness:    task.NoopTopicReadiness{},
		Metrics:      f.metrics,
		Logger:       f.logger.With("datastream", ds.Name),
	}), nil
}

// subscriptionFor derives topic subscription from a datastream's
// connector_name and source connection string: the "kafka-mirror"
// connector subscribes by pattern (the source path if given, else every
// topic), everything else subscribes to the single topic the source path
// names.
func subscriptionFor(ds model.Datastream) (topics []string, pattern string, mirror bool, err error) {
	u, err := url.Parse(ds.SourceConnectionString)
	if err != nil {
		return nil, "", false, fmt.Errorf("bad source %q: %w", ds.SourceConnectionString, err)
	}
	path := strings.TrimPrefix(u.Path, "/")

	if ds.ConnectorName == mirrorConnectorName {
		if path == "" {
			path = ".*"
		}
		return nil, path, true, nil
	}

	if path == "" {
		return nil, "", false, fmt.Errorf("source %q: topic required for non-mirror connector", ds.SourceConnectionString)
	}
	return []string{path}, "", false, nil
}
