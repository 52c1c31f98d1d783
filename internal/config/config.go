package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	LedgerEthereum = "ethereum"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	LedgerBackend string
	// Ethereum ledger. The contract address comes from LedgerContractAddress
	// when set, otherwise from the Truffle artifact entry for LedgerNetworkID
	// (or the node's network id).
	LedgerRPCURL          string
	LedgerArtifactPath    string
	LedgerNetworkID       string
	LedgerContractAddress string
	LedgerFrom            string
	LedgerGas             uint64
	LedgerCallTimeout     time.Duration
	LedgerConfirmTimeout  time.Duration

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	SQLiteLogStatements   bool

	// ArchiveToken empty disables mirroring.
	ArchiveToken   string
	ArchiveURL     string
	ArchiveTimeout time.Duration
	ArchiveRetries int

	GeneratorEnabled      bool
	GenerationInterval    time.Duration
	DashboardPollInterval time.Duration
	LastN                 int

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		LedgerBackend:         strings.ToLower(envString("LEDGER_BACKEND", LedgerEthereum)),
		LedgerRPCURL:          envString("LEDGER_RPC_URL", "http://127.0.0.1:8545"),
		LedgerArtifactPath:    envString("LEDGER_ARTIFACT_PATH", "build/contracts/AirQualityData.json"),
		LedgerNetworkID:       envString("LEDGER_NETWORK_ID", ""),
		LedgerContractAddress: envString("LEDGER_CONTRACT_ADDRESS", ""),
		LedgerFrom:            envString("LEDGER_FROM", ""),

		SQLiteDriver: envString("DB_DRIVER", "sqlite3"),
		SQLiteDSN:    envString("SQLITE_DSN", ""),
		SQLitePath:   envString("SQLITE_PATH", "data/airledger.db"),

		ArchiveToken: envString("ARCHIVE_API_TOKEN", envString("PINATA_JWT", "")),
		ArchiveURL:   envString("ARCHIVE_URL", "https://api.pinata.cloud/pinning/pinJSONToIPFS"),

		MQTTBroker:   envString("MQTT_BROKER", "localhost"),
		MQTTClientID: envString("MQTT_CLIENT_ID", "airledger"),
		MQTTTopic:    envString("MQTT_TOPIC", "airquality/+/readings"),
	}

	switch cfg.LedgerBackend {
	case LedgerEthereum, LedgerSQLite, LedgerMemory:
	default:
		return Config{}, fmt.Errorf("invalid LEDGER_BACKEND %q (allowed: ethereum, sqlite, memory)", cfg.LedgerBackend)
	}

	gas, err := envUint("LEDGER_GAS", 1_000_000)
	if err != nil {
		return Config{}, err
	}
	if gas == 0 {
		return Config{}, fmt.Errorf("LEDGER_GAS must be positive")
	}
	cfg.LedgerGas = gas

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"LEDGER_CALL_TIMEOUT", "10s", &cfg.LedgerCallTimeout},
		{"LEDGER_CONFIRM_TIMEOUT", "30s", &cfg.LedgerConfirmTimeout},
		{"ARCHIVE_TIMEOUT", "10s", &cfg.ArchiveTimeout},
		{"GENERATION_INTERVAL", "10s", &cfg.GenerationInterval},
		{"DASHBOARD_POLL_INTERVAL", "5s", &cfg.DashboardPollInterval},
	}
	for _, d := range durations {
		v, err := envDuration(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %v", d.key, v)
		}
		*d.dest = v
	}

	connMaxLifetime, err := envDuration("DB_CONN_MAX_LIFETIME", "0s")
	if err != nil {
		return Config{}, err
	}
	cfg.SQLiteConnMaxLifetime = connMaxLifetime

	ints := []struct {
		key string
		def int
		min int
		dest *int
	}{
		{"DB_MAX_OPEN_CONNS", 1, 0, &cfg.SQLiteMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 1, 0, &cfg.SQLiteMaxIdleConns},
		{"ARCHIVE_RETRIES", 1, 0, &cfg.ArchiveRetries},
		{"LAST_N", 10, 1, &cfg.LastN},
		{"MQTT_PORT", 1883, 1, &cfg.MQTTPort},
	}
	for _, i := range ints {
		v, err := envInt(i.key, i.def)
		if err != nil {
			return Config{}, err
		}
		if v < i.min {
			return Config{}, fmt.Errorf("%s must be >= %d, got %d", i.key, i.min, v)
		}
		*i.dest = v
	}

	bools := []struct {
		key  string
		def  bool
		dest *bool
	}{
		{"GENERATOR_ENABLED", true, &cfg.GeneratorEnabled},
		{"MQTT_ENABLED", false, &cfg.MQTTEnabled},
		{"DB_LOG_SQL", false, &cfg.SQLiteLogStatements},
	}
	for _, b := range bools {
		v, err := envBool(b.key, b.def)
		if err != nil {
			return Config{}, err
		}
		*b.dest = v
	}

	if cfg.LedgerBackend == LedgerEthereum && cfg.LedgerContractAddress == "" {
		abs, err := filepath.Abs(cfg.LedgerArtifactPath)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_ARTIFACT_PATH %q: %w", cfg.LedgerArtifactPath, err)
		}
		cfg.LedgerArtifactPath = abs
	}

	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func envUint(key string, def uint64) (uint64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := envString(key, def)
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
