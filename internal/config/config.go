// Package config loads server configuration from environment
// variables, using github.com/joho/godotenv to populate process env
// from a .env file before reading it — a library the teacher already
// carried as an indirect dependency but never actually called,
// replacing its hand-rolled bufio key=value scanner.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime-tunable setting of the server.
type Config struct {
	ServerName string
	ServerHost string
	ServerPort int

	DBType           string // "sqlite" or "postgres"
	DBHost           string
	DBPort           int
	DBName           string
	DBUser           string
	DBPassword       string
	DBMaxConnections int
	DBMaxIdleConns   int

	RedisEnabled bool
	RedisAddr    string
	RedisDB      int

	MaxPlayers          int
	ShutdownTimeoutSecs int
	SessionTimeoutMins  int

	// Admission and scheduling knobs (spec.md §6 CLI/env).
	HeartbeatIntervalSecs int
	OutboundQueueSize     int
	MaxTimerSkewMillis    int
	AdmissionRetryCount   int
	EvictionPolicy        string // "priority" is the only implemented policy

	TOTPIssuer string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

var defaultConfig = Config{
	ServerName:            "hackbackend",
	ServerHost:            "",
	ServerPort:            8080,
	DBType:                "sqlite",
	DBHost:                "localhost",
	DBPort:                5432,
	DBName:                "data/hackbackend.db",
	DBUser:                "hackbackend",
	DBPassword:            "",
	DBMaxConnections:      25,
	DBMaxIdleConns:        5,
	RedisEnabled:          false,
	RedisAddr:             "localhost:6379",
	RedisDB:               0,
	MaxPlayers:            1000,
	ShutdownTimeoutSecs:   30,
	SessionTimeoutMins:    60,
	HeartbeatIntervalSecs: 30,
	OutboundQueueSize:     256,
	MaxTimerSkewMillis:    1000,
	AdmissionRetryCount:   3,
	EvictionPolicy:        "priority",
	TOTPIssuer:            "hackbackend",
	TLSEnabled:            false,
	TLSCertFile:           "certs/server.crt",
	TLSKeyFile:            "certs/server.key",
}

// Load parses the -env flag, loads it via godotenv into the process
// environment, then reads every field from os.LookupEnv. Missing keys
// fall back to defaultConfig.
func Load() (*Config, error) {
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", *envFile, err)
		}
		log.Printf("config: %s not found, using defaults and process environment", *envFile)
	}

	cfg := defaultConfig
	cfg.ServerName = getString("SERVER_NAME", cfg.ServerName)
	cfg.ServerHost = getString("SERVER_HOST", cfg.ServerHost)
	cfg.ServerPort = getInt("SERVER_PORT", cfg.ServerPort)

	cfg.DBType = getString("DB_TYPE", cfg.DBType)
	cfg.DBHost = getString("DB_HOST", cfg.DBHost)
	cfg.DBPort = getInt("DB_PORT", cfg.DBPort)
	cfg.DBName = getString("DB_NAME", cfg.DBName)
	cfg.DBUser = getString("DB_USER", cfg.DBUser)
	cfg.DBPassword = getString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBMaxConnections = getInt("DB_MAX_CONNECTIONS", cfg.DBMaxConnections)
	cfg.DBMaxIdleConns = getInt("DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)

	cfg.RedisEnabled = getBool("REDIS_ENABLED", cfg.RedisEnabled)
	cfg.RedisAddr = getString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)

	cfg.MaxPlayers = getInt("MAX_PLAYERS", cfg.MaxPlayers)
	cfg.ShutdownTimeoutSecs = getInt("SHUTDOWN_TIMEOUT_SECS", cfg.ShutdownTimeoutSecs)
	cfg.SessionTimeoutMins = getInt("SESSION_TIMEOUT_MINS", cfg.SessionTimeoutMins)

	cfg.HeartbeatIntervalSecs = getInt("HEARTBEAT_INTERVAL_SECS", cfg.HeartbeatIntervalSecs)
	cfg.OutboundQueueSize = getInt("OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	cfg.MaxTimerSkewMillis = getInt("MAX_TIMER_SKEW_MILLIS", cfg.MaxTimerSkewMillis)
	cfg.AdmissionRetryCount = getInt("ADMISSION_RETRY_COUNT", cfg.AdmissionRetryCount)
	cfg.EvictionPolicy = getString("EVICTION_POLICY", cfg.EvictionPolicy)

	cfg.TOTPIssuer = getString("TOTP_ISSUER", cfg.TOTPIssuer)

	cfg.TLSEnabled = getBool("TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSCertFile = getString("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getString("TLS_KEY_FILE", cfg.TLSKeyFile)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v == "true" || v == "1"
}

func (c *Config) validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT: must be between 1 and 65535")
	}
	if c.DBType != "sqlite" && c.DBType != "postgres" {
		return fmt.Errorf("invalid DB_TYPE: must be 'sqlite' or 'postgres'")
	}
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME cannot be empty")
	}
	if c.DBType == "postgres" && (c.DBHost == "" || c.DBUser == "") {
		return fmt.Errorf("DB_HOST and DB_USER required for postgres")
	}
	if c.ShutdownTimeoutSecs < 5 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECS must be at least 5 seconds")
	}
	if c.EvictionPolicy != "priority" {
		return fmt.Errorf("unsupported EVICTION_POLICY %q", c.EvictionPolicy)
	}
	return nil
}

// GetConnectionString returns the database connection string/path.
func (c *Config) GetConnectionString() string {
	switch c.DBType {
	case "sqlite":
		return c.DBName
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName,
		)
	default:
		return ""
	}
}

// GetListenAddress returns the full host:port the HTTP server binds.
func (c *Config) GetListenAddress() string {
	host := c.ServerHost
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.ServerPort)
}

// HeartbeatInterval returns the heartbeat tick as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// SessionTTL returns the session lifetime as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTimeoutMins) * time.Minute
}

// LogConfig logs the active configuration without sensitive fields.
func (c *Config) LogConfig() {
	log.Println("=== Configuration ===")
	log.Printf("Server: %s, listening on %s", c.ServerName, c.GetListenAddress())
	log.Printf("Database: %s", c.DBType)
	log.Printf("Redis enabled: %v", c.RedisEnabled)
	log.Printf("TLS enabled: %v", c.TLSEnabled)
	log.Printf("Eviction policy: %s, admission retries: %d", c.EvictionPolicy, c.AdmissionRetryCount)
	log.Println("======================")
}
