// Package configs provides application configuration loaded from environment
// variables. All configuration is externalized; a local .env file is honored
// for development. Credential problems are reported before any ingestion
// work starts.
package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vibetrade/marketdata/internal/market"
)

// AppConfig holds all application configuration. Load it once at startup.
type AppConfig struct {
	// DBDSN is the ClickHouse connection string.
	DBDSN string

	// Coinbase holds exchange credentials.
	Coinbase CoinbaseConfig

	// Kafka holds message-bus settings. An empty Broker disables publishing.
	Kafka KafkaConfig

	// Ingestion holds job parameters for the batch and realtime binaries.
	Ingestion IngestionConfig

	// Twitter holds the social-media poller settings.
	Twitter TwitterConfig
}

// CoinbaseConfig holds CDP API credentials.
type CoinbaseConfig struct {
	APIKey      string
	APISecret   string
	Environment string // "sandbox" or "live"
}

// KafkaConfig holds broker and topic settings.
type KafkaConfig struct {
	Broker      string
	CandleTopic string
	TweetTopic  string
}

// IngestionConfig holds the job parameters shared by the ingestion binaries.
type IngestionConfig struct {
	// Symbols are full instrument strings, e.g. "BTC-USD".
	Symbols []string

	Granularity market.Granularity

	// Days selects backfill mode when > 0. Mutually exclusive with the
	// explicit range below.
	Days int

	// StartTime/EndTime select explicit-range mode when set. Either both or
	// neither must be present, and StartTime must precede EndTime.
	StartTime time.Time
	EndTime   time.Time

	// Concurrency bounds parallel symbol processing; 1 is sequential.
	Concurrency int

	// PollInterval is the realtime append cadence.
	PollInterval time.Duration
}

// TwitterConfig holds the social poller settings.
type TwitterConfig struct {
	APIKey       string
	Usernames    []string
	PollInterval time.Duration
}

// Load reads all configuration from the environment. It returns an error for
// malformed time-range parameters; credential validation happens in
// LoadCoinbase because not every binary needs exchange access.
func Load() (*AppConfig, error) {
	_ = godotenv.Load() // .env is optional

	granularity, err := market.ParseGranularity(getEnv("INGESTION_GRANULARITY", "1m"))
	if err != nil {
		return nil, err
	}

	ingestion := IngestionConfig{
		Symbols:      splitList(getEnv("INGESTION_SYMBOLS", "BTC-USD,ETH-USD")),
		Granularity:  granularity,
		Concurrency:  getEnvInt("INGESTION_CONCURRENCY", 1),
		PollInterval: time.Duration(getEnvInt("INGESTION_INTERVAL_SECONDS", 60)) * time.Second,
	}

	if err := loadTimeRange(&ingestion); err != nil {
		return nil, err
	}

	return &AppConfig{
		DBDSN: databaseDSN(),
		Kafka: KafkaConfig{
			Broker:      getEnv("KAFKA_BROKER", ""),
			CandleTopic: getEnv("KAFKA_CANDLE_TOPIC", "vibe-trade-candles"),
			TweetTopic:  getEnv("KAFKA_TWEET_TOPIC", "vibe-trade-tweets"),
		},
		Ingestion: ingestion,
		Twitter: TwitterConfig{
			APIKey:       getEnv("TWITTER_API_KEY", ""),
			Usernames:    splitList(getEnv("TWITTER_USERNAMES", "")),
			PollInterval: time.Duration(getEnvInt("TWITTER_INTERVAL_SECONDS", 60)) * time.Second,
		},
	}, nil
}

// loadTimeRange applies the INGESTION_DAYS / INGESTION_START_TIME /
// INGESTION_END_TIME selection rules: days and an explicit range are
// mutually exclusive, the range bounds come in pairs, and the range must be
// ordered. Violations are configuration errors, fatal to the process.
func loadTimeRange(cfg *IngestionConfig) error {
	daysStr := getEnv("INGESTION_DAYS", "")
	startStr := getEnv("INGESTION_START_TIME", "")
	endStr := getEnv("INGESTION_END_TIME", "")

	if daysStr != "" && (startStr != "" || endStr != "") {
		return fmt.Errorf("INGESTION_DAYS cannot be combined with INGESTION_START_TIME/INGESTION_END_TIME")
	}
	if (startStr == "") != (endStr == "") {
		return fmt.Errorf("INGESTION_START_TIME and INGESTION_END_TIME must be provided together")
	}

	if daysStr != "" {
		days, err := strconv.Atoi(daysStr)
		if err != nil || days <= 0 {
			return fmt.Errorf("INGESTION_DAYS must be a positive integer, got %q", daysStr)
		}
		cfg.Days = days
		return nil
	}

	if startStr != "" {
		start, err := parseISOTime(startStr)
		if err != nil {
			return fmt.Errorf("INGESTION_START_TIME: %w", err)
		}
		end, err := parseISOTime(endStr)
		if err != nil {
			return fmt.Errorf("INGESTION_END_TIME: %w", err)
		}
		if !start.Before(end) {
			return fmt.Errorf("INGESTION_START_TIME must be before INGESTION_END_TIME")
		}
		cfg.StartTime = start
		cfg.EndTime = end
	}
	return nil
}

// LoadCoinbase resolves exchange credentials: a CDP key file when
// COINBASE_CDP_KEY_FILE is set, otherwise COINBASE_API_KEY/SECRET env vars.
// Missing or malformed credentials fail fast.
func LoadCoinbase() (CoinbaseConfig, error) {
	environment := getEnv("COINBASE_ENVIRONMENT", "live")
	if environment != "sandbox" && environment != "live" {
		return CoinbaseConfig{}, fmt.Errorf("COINBASE_ENVIRONMENT must be 'sandbox' or 'live', got %q", environment)
	}

	cfg := CoinbaseConfig{Environment: environment}

	if keyFile := getEnv("COINBASE_CDP_KEY_FILE", ""); keyFile != "" {
		key, secret, err := readCDPKeyFile(keyFile)
		if err != nil {
			return CoinbaseConfig{}, err
		}
		cfg.APIKey = key
		cfg.APISecret = secret
		return cfg, nil
	}

	cfg.APIKey = getEnv("COINBASE_API_KEY", "")
	cfg.APISecret = getEnv("COINBASE_API_SECRET", "")
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return CoinbaseConfig{}, fmt.Errorf(
			"coinbase credentials missing: set COINBASE_CDP_KEY_FILE or COINBASE_API_KEY and COINBASE_API_SECRET")
	}
	return cfg, nil
}

// readCDPKeyFile parses a CDP API key JSON file ({"name": ..., "privateKey":
// ...}). The key name may be a full organizations/.../apiKeys/<id> path; by
// default only the key id is used.
func readCDPKeyFile(path string) (key, secret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read CDP key file %s: %w", path, err)
	}

	var parsed struct {
		Name       string `json:"name"`
		PrivateKey string `json:"privateKey"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", "", fmt.Errorf("invalid JSON in CDP key file %s: %w", path, err)
	}
	if parsed.Name == "" {
		return "", "", fmt.Errorf("CDP key file %s missing 'name' field", path)
	}
	if parsed.PrivateKey == "" {
		return "", "", fmt.Errorf("CDP key file %s missing 'privateKey' field", path)
	}

	key = parsed.Name
	useFullName := strings.EqualFold(getEnv("COINBASE_USE_FULL_API_KEY_NAME", "false"), "true")
	if !useFullName {
		if i := strings.LastIndex(parsed.Name, "/apiKeys/"); i >= 0 {
			key = parsed.Name[i+len("/apiKeys/"):]
		}
	}
	return key, parsed.PrivateKey, nil
}

// databaseDSN assembles the ClickHouse DSN from environment variables.
func databaseDSN() string {
	user := getEnv("CLICKHOUSE_USER", "default")
	password := getEnv("CLICKHOUSE_PASSWORD", "")
	host := getEnv("CLICKHOUSE_HOST", "localhost")
	port := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	database := getEnv("CLICKHOUSE_DB", "default")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		user, password, host, port, database,
	)
}

func parseISOTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("use RFC3339, e.g. 2025-01-27T00:00:00Z: %w", err)
	}
	return t.UTC(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
