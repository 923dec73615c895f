// Package config loads the papertrade configuration from a YAML file and
// applies environment variable overrides, so containerized deployments can
// tweak individual settings without rewriting the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by all papertrade services.
type Config struct {
	ServiceName string  `yaml:"-"`
	Kafka       Kafka   `yaml:"kafka"`
	Logging     Logging `yaml:"logging"`
	Server      Server  `yaml:"server"`
	Ticker      Ticker  `yaml:"ticker"`
	Replay      Replay  `yaml:"replay"`
	Stepper     Stepper `yaml:"stepper"`
	Account     Account `yaml:"account"`
	Storage     Storage `yaml:"storage"`
	Chaos       Chaos   `yaml:"chaos"`
}

// Kafka holds the bus transport settings.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	// ExchangeTopic is the broadcast topic every worker consumes; it plays
	// the role of a fanout exchange.
	ExchangeTopic string `yaml:"exchange_topic"`
	// QueuePrefix namespaces per-process worker queues (consumer groups).
	QueuePrefix string `yaml:"queue_prefix"`
	// MaxInflight bounds not-yet-acknowledged emits before Emit rejects.
	MaxInflight int `yaml:"max_inflight"`
}

// Logging configures the zap logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Server holds the health-surface listener ports.
type Server struct {
	GRPCPort int `yaml:"grpc_port"`
	HTTPPort int `yaml:"http_port"`
}

// Ticker selects and configures the price source variant.
type Ticker struct {
	// Variant is one of "live", "replay", "random".
	Variant string   `yaml:"variant"`
	FeedURL string   `yaml:"feed_url"`
	APIKey  string   `yaml:"api_key"`
	Symbols []string `yaml:"symbols"`
}

// Replay configures the historical-replay ticker.
type Replay struct {
	Start          string  `yaml:"start"`
	End            string  `yaml:"end"`
	CandleDuration string  `yaml:"candle_duration"`
	TicksPerMinute float64 `yaml:"ticks_per_minute"`
	// Mode is one of "realtime", "fast", "stepped".
	Mode string `yaml:"mode"`
	// Seed fixes the sub-candle synthesis so replays are reproducible.
	Seed int64 `yaml:"seed"`
}

// Stepper configures the simulated clock.
type Stepper struct {
	From  string  `yaml:"from"`
	To    string  `yaml:"to"`
	Speed float64 `yaml:"speed"`
	Freq  float64 `yaml:"freq"`
}

// Account configures the account ledger service.
type Account struct {
	OpeningCash  string `yaml:"opening_cash"`
	ServiceQueue string `yaml:"service_queue"`
}

// Storage holds paths for on-disk state.
type Storage struct {
	DataDir   string `yaml:"data_dir"`
	BarsDB    string `yaml:"bars_db"`
	JournalDB string `yaml:"journal_db"`
}

// Chaos configures emit-path fault injection; disabled unless enabled
// explicitly.
type Chaos struct {
	Enabled    bool  `yaml:"enabled"`
	DropPct    int   `yaml:"drop_pct"`
	DelayMsMin int   `yaml:"delay_ms_min"`
	DelayMsMax int   `yaml:"delay_ms_max"`
	Seed       int64 `yaml:"seed"`
}

// Load reads the YAML configuration at path, fills defaults, and applies
// environment overrides. A missing file is not an error; defaults plus the
// environment then fully describe the configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults plus environment
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadService loads the config for a named service, resolving the config
// path from PAPERTRADE_CONFIG.
func LoadService(name string) (*Config, error) {
	path := getEnvAsString("PAPERTRADE_CONFIG", "config/papertrade.yaml")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ServiceName = name
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Kafka: Kafka{
			Brokers:       []string{"127.0.0.1:9092"},
			ExchangeTopic: "papertrade.events",
			QueuePrefix:   "papertrade",
			MaxInflight:   1024,
		},
		Logging: Logging{Level: "info"},
		Server:  Server{GRPCPort: 50051, HTTPPort: 8080},
		Ticker:  Ticker{Variant: "random", FeedURL: "wss://ws.finnhub.io"},
		Replay: Replay{
			CandleDuration: "1m",
			TicksPerMinute: 12,
			Mode:           "realtime",
			Seed:           1,
		},
		Stepper: Stepper{Speed: 1, Freq: 100},
		Account: Account{OpeningCash: "0", ServiceQueue: "account_service"},
		Storage: Storage{
			DataDir:   "data",
			BarsDB:    "data/bars.db",
			JournalDB: "data/journal.db",
		},
		Chaos: Chaos{Seed: 1},
	}
}

func (c *Config) applyEnv() {
	if v := getEnvAsString("KAFKA_BROKERS", ""); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.Kafka.Brokers = parts
	}
	c.Kafka.ExchangeTopic = getEnvAsString("KAFKA_EXCHANGE_TOPIC", c.Kafka.ExchangeTopic)
	c.Kafka.MaxInflight = getEnvAsInt("KAFKA_MAX_INFLIGHT", c.Kafka.MaxInflight)
	c.Logging.Level = getEnvAsString("LOG_LEVEL", c.Logging.Level)
	c.Server.GRPCPort = getEnvAsInt("PORT_GRPC", c.Server.GRPCPort)
	c.Server.HTTPPort = getEnvAsInt("PORT_HTTP", c.Server.HTTPPort)
	c.Ticker.APIKey = getEnvAsString("FEED_API_KEY", c.Ticker.APIKey)
	c.Account.ServiceQueue = getEnvAsString("ACCOUNT_SERVICE_QUEUE", c.Account.ServiceQueue)
}

// GRPCAddr returns the gRPC health listener address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.Server.GRPCPort)
}

// HTTPAddr returns the HTTP health listener address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Server.HTTPPort)
}

// WorkerQueue returns the durable queue (consumer group) name for a
// process.
func (c *Config) WorkerQueue(process string) string {
	return fmt.Sprintf("%s.%s", c.Kafka.QueuePrefix, process)
}

// ParseWindow parses the replay's start and end times (RFC 3339).
func (r Replay) ParseWindow() (time.Time, time.Time, error) {
	return parseWindow(r.Start, r.End)
}

// ParseWindow parses the stepper's simulated time span (RFC 3339).
func (s Stepper) ParseWindow() (time.Time, time.Time, error) {
	return parseWindow(s.From, s.To)
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time %q: %w", from, err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time %q: %w", to, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty window: %s to %s", from, to)
	}
	return start, end, nil
}

// ParseCandleDuration parses the replay candle duration.
func (r Replay) ParseCandleDuration() (time.Duration, error) {
	d, err := time.ParseDuration(r.CandleDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid candle_duration %q: %w", r.CandleDuration, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("candle_duration must be positive: %s", r.CandleDuration)
	}
	return d, nil
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
