package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/stationstream/pkg/station"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/edgeflare/stationstream/pkg/stream/kafka"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	Kafka    kafka.Config   `mapstructure:"kafka"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type StreamConfig struct {
	GroupID          string             `mapstructure:"groupID"`
	InputTopic       string             `mapstructure:"inputTopic"`
	OutputTopic      string             `mapstructure:"outputTopic"`
	ChangelogTopic   string             `mapstructure:"changelogTopic"`
	TableName        string             `mapstructure:"tableName"`
	CreateInputTopic bool               `mapstructure:"createInputTopic"`
	InputPartitions  int32              `mapstructure:"inputPartitions"`
	OutputPartitions int32              `mapstructure:"outputPartitions"`
	Replicas         int16              `mapstructure:"replicas"`
	Key              stream.KeyStrategy `mapstructure:"key"`
	// OffsetReset is "earliest" or "latest".
	OffsetReset   string        `mapstructure:"offsetReset"`
	PollTimeout   time.Duration `mapstructure:"pollTimeout"`
	IdleInterval  time.Duration `mapstructure:"idleInterval"`
	MaxPollErrors int           `mapstructure:"maxPollErrors"`
}

type RecoveryConfig struct {
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	MaxElapsed     time.Duration `mapstructure:"maxElapsed"`
}

type HTTPConfig struct {
	ListenAddr     string   `mapstructure:"listenAddr"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Kafka: kafka.Config{
			Brokers:  []string{"localhost:9092"},
			Version:  "2.1.1",
			ClientID: "stationstream",
		},
		Stream: StreamConfig{
			GroupID:          "stations-stream",
			InputTopic:       "connect_stations",
			OutputTopic:      "com.udacity.station.descriptions",
			ChangelogTopic:   "com.udacity.station.descriptions-table-changelog",
			TableName:        "com.udacity.station.descriptions-table",
			InputPartitions:  1,
			OutputPartitions: 1,
			Replicas:         1,
			Key: stream.KeyStrategy{
				Field: station.FieldStationName,
				Mode:  stream.KeyGroupBy,
			},
			OffsetReset:  "earliest",
			PollTimeout:  time.Second,
			IdleInterval: time.Second,
		},
		Recovery: RecoveryConfig{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			MaxElapsed:     5 * time.Minute,
		},
		HTTP: HTTPConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// Load reads config from file or environment into the global viper
// instance, so flags bound with viper.BindPFlag take precedence.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.GetViper(), cfgFile)
}

// LoadWith is Load on a caller-provided viper instance.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("stationstream")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STATIONSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every default key so env overrides and partial
// files both work.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.version", d.Kafka.Version)
	v.SetDefault("kafka.clientID", d.Kafka.ClientID)
	v.SetDefault("stream.groupID", d.Stream.GroupID)
	v.SetDefault("stream.inputTopic", d.Stream.InputTopic)
	v.SetDefault("stream.outputTopic", d.Stream.OutputTopic)
	v.SetDefault("stream.changelogTopic", d.Stream.ChangelogTopic)
	v.SetDefault("stream.tableName", d.Stream.TableName)
	v.SetDefault("stream.createInputTopic", d.Stream.CreateInputTopic)
	v.SetDefault("stream.inputPartitions", d.Stream.InputPartitions)
	v.SetDefault("stream.outputPartitions", d.Stream.OutputPartitions)
	v.SetDefault("stream.replicas", d.Stream.Replicas)
	v.SetDefault("stream.key.field", d.Stream.Key.Field)
	v.SetDefault("stream.key.mode", string(d.Stream.Key.Mode))
	v.SetDefault("stream.offsetReset", d.Stream.OffsetReset)
	v.SetDefault("stream.pollTimeout", d.Stream.PollTimeout)
	v.SetDefault("stream.idleInterval", d.Stream.IdleInterval)
	v.SetDefault("stream.maxPollErrors", d.Stream.MaxPollErrors)
	v.SetDefault("recovery.initialBackoff", d.Recovery.InitialBackoff)
	v.SetDefault("recovery.maxBackoff", d.Recovery.MaxBackoff)
	v.SetDefault("recovery.maxElapsed", d.Recovery.MaxElapsed)
	v.SetDefault("http.listenAddr", d.HTTP.ListenAddr)
	v.SetDefault("http.allowedOrigins", d.HTTP.AllowedOrigins)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := station.KeyFunc(c.Stream.Key.Field); err != nil {
		return fmt.Errorf("stream.key.field: %w", err)
	}
	switch c.Stream.Key.Mode {
	case stream.KeyDirect, stream.KeyGroupBy:
	default:
		return fmt.Errorf("stream.key.mode: unsupported mode %q", c.Stream.Key.Mode)
	}
	if _, err := stream.ParseStartPolicy(c.Stream.OffsetReset); err != nil {
		return fmt.Errorf("stream.offsetReset: %w", err)
	}
	if c.Stream.ChangelogTopic == c.Stream.OutputTopic {
		return fmt.Errorf("stream.changelogTopic must differ from stream.outputTopic")
	}
	return nil
}

// UsesMemoryBroker reports whether the in-memory broker was selected.
func (c *Config) UsesMemoryBroker() bool {
	return len(c.Kafka.Brokers) == 1 && c.Kafka.Brokers[0] == "memory://"
}

// Processor maps the configuration onto the processor settings.
func (c *Config) Processor() (stream.ProcessorConfig, error) {
	start, err := stream.ParseStartPolicy(c.Stream.OffsetReset)
	if err != nil {
		return stream.ProcessorConfig{}, err
	}
	rc := c.Recovery
	return stream.ProcessorConfig{
		InputTopic:       c.Stream.InputTopic,
		OutputTopic:      c.Stream.OutputTopic,
		ChangelogTopic:   c.Stream.ChangelogTopic,
		TableName:        c.Stream.TableName,
		GroupID:          c.Stream.GroupID,
		CreateInputTopic: c.Stream.CreateInputTopic,
		InputPartitions:  c.Stream.InputPartitions,
		OutputPartitions: c.Stream.OutputPartitions,
		Replicas:         c.Stream.Replicas,
		KeyStrategy:      c.Stream.Key,
		InputStart:       start,
		PollTimeout:      c.Stream.PollTimeout,
		IdleInterval:     c.Stream.IdleInterval,
		MaxPollErrors:    c.Stream.MaxPollErrors,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = rc.InitialBackoff
			b.MaxInterval = rc.MaxBackoff
			b.MaxElapsedTime = rc.MaxElapsed
			return b
		},
	}, nil
}
