// Package config centralizes loader entrypoints for task-level and
// datastream-definition configuration, mirroring the teacher's
// internal/config package split between a Kafka-driver loader and a
// pipeline-spec loader
// (_examples/mohsanabbas-quanta/internal/config/kafka.go, pipeline.go).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const SupportedSchema = "v1"

// TaskConfig holds the §6 task-level knobs, with the defaults from the
// spec's configuration table.
type TaskConfig struct {
	OffsetCommitInterval        time.Duration
	RetrySleep                  time.Duration
	MaxRetryCount               int
	PausePartitionOnError       bool
	PauseErrorDuration          time.Duration
	ProcessingDelayThreshold    time.Duration
	FlushlessMode               bool
	FlowControlEnabled          bool
	MaxInFlightMessagesThreshold int64
	MinInFlightMessagesThreshold int64
	DaemonInterval               time.Duration
	NonGoodStateThreshold        time.Duration
	CancelTaskTimeout            time.Duration
}

// rawTaskConfig is the koanf-decoded shape: durations are expressed in
// seconds so values unmarshal without a custom mapstructure decode hook.
type rawTaskConfig struct {
	OffsetCommitIntervalSeconds        int64 `koanf:"offset_commit_interval_seconds"`
	RetrySleepSeconds                  int64 `koanf:"retry_sleep_seconds"`
	MaxRetryCount                      int   `koanf:"max_retry_count"`
	PausePartitionOnError              bool  `koanf:"pause_partition_on_error"`
	PauseErrorDurationSeconds          int64 `koanf:"pause_error_duration_seconds"`
	ProcessingDelayThresholdSeconds    int64 `koanf:"processing_delay_threshold_seconds"`
	FlushlessMode                      bool  `koanf:"flushless_mode"`
	FlowControlEnabled                 bool  `koanf:"flow_control_enabled"`
	MaxInFlightMessagesThreshold       int64 `koanf:"max_in_flight_messages_threshold"`
	MinInFlightMessagesThreshold       int64 `koanf:"min_in_flight_messages_threshold"`
	DaemonIntervalSeconds              int64 `koanf:"daemon_interval_seconds"`
	NonGoodStateThresholdSeconds       int64 `koanf:"non_good_state_threshold_seconds"`
	CancelTaskTimeoutSeconds           int64 `koanf:"cancel_task_timeout_seconds"`
}

func defaultRawTaskConfig() rawTaskConfig {
	return rawTaskConfig{
		OffsetCommitIntervalSeconds:     60,
		RetrySleepSeconds:               5,
		MaxRetryCount:                   5,
		PausePartitionOnError:           true,
		PauseErrorDurationSeconds:       600,
		ProcessingDelayThresholdSeconds: 60,
		FlushlessMode:                   false,
		FlowControlEnabled:              false,
		MaxInFlightMessagesThreshold:    5000,
		MinInFlightMessagesThreshold:    1000,
		DaemonIntervalSeconds:           300,
		NonGoodStateThresholdSeconds:    600,
		CancelTaskTimeoutSeconds:        30,
	}
}

// LoadTaskConfig merges YAML (if present) with env vars
// (prefix DATASTREAM_TASK__, delimiter __) over the spec defaults.
func LoadTaskConfig(path string) (TaskConfig, error) {
	k := koanf.New(".")
	raw := defaultRawTaskConfig()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return TaskConfig{}, err
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return TaskConfig{}, fmt.Errorf("task config: schema_version %q not supported (want %q)", sv, SupportedSchema)
	}
	_ = k.Load(env.Provider("DATASTREAM_TASK__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "DATASTREAM_TASK__"))
	}), nil)

	if err := k.UnmarshalWithConf("", &raw, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return TaskConfig{}, err
	}

	if raw.FlowControlEnabled && !raw.FlushlessMode {
		return TaskConfig{}, errors.New("task config: flow_control_enabled requires flushless_mode")
	}

	return TaskConfig{
		OffsetCommitInterval:         time.Duration(raw.OffsetCommitIntervalSeconds) * time.Second,
		RetrySleep:                   time.Duration(raw.RetrySleepSeconds) * time.Second,
		MaxRetryCount:                raw.MaxRetryCount,
		PausePartitionOnError:        raw.PausePartitionOnError,
		PauseErrorDuration:           time.Duration(raw.PauseErrorDurationSeconds) * time.Second,
		ProcessingDelayThreshold:     time.Duration(raw.ProcessingDelayThresholdSeconds) * time.Second,
		FlushlessMode:                raw.FlushlessMode,
		FlowControlEnabled:           raw.FlowControlEnabled,
		MaxInFlightMessagesThreshold: raw.MaxInFlightMessagesThreshold,
		MinInFlightMessagesThreshold: raw.MinInFlightMessagesThreshold,
		DaemonInterval:               time.Duration(raw.DaemonIntervalSeconds) * time.Second,
		NonGoodStateThreshold:        time.Duration(raw.NonGoodStateThresholdSeconds) * time.Second,
		CancelTaskTimeout:            time.Duration(raw.CancelTaskTimeoutSeconds) * time.Second,
	}, nil
}

// PollTimeout is offsetCommitInterval/2 per spec §4.E.
func (c TaskConfig) PollTimeout() time.Duration {
	return c.OffsetCommitInterval / 2
}
