package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the sarama-driver-level configuration: brokers, topic
// selection, auth, and version. Task-level knobs (commit interval, retry
// policy, flushless mode, ...) live in internal/config.TaskConfig, not
// here — this mirrors the teacher's split between driver config and
// pipeline config.
type Config struct {
	Brokers       []string `koanf:"brokers"`
	Topics        []string `koanf:"topics"`
	TopicPattern  string   `koanf:"topic_pattern"`
	GroupID       string   `koanf:"group_id"`
	Version       string   `koanf:"version"`
	TLSEnabled    bool     `koanf:"tls_enabled"`
	SASLUser      string   `koanf:"sasl_user"`
	SASLPassword  string   `koanf:"sasl_pass"`
}

// LoadConfig merges YAML (if present) with env vars
// (prefix DATASTREAM_KAFKA__, delimiter __).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka: schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("DATASTREAM_KAFKA__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "DATASTREAM_KAFKA__"))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
}
