package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Sync     SyncConfig     `yaml:"sync"`
	Risk     RiskConfig     `yaml:"risk"`
	WS       WSConfig       `yaml:"ws"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

// SyncConfig tunes the ingestion and reconciliation pipeline
type SyncConfig struct {
	// ProfitDelta is the materiality threshold for trade_updated events:
	// the absolute change in unrealized profit (account currency) below
	// which an update is considered cosmetic and coalesced.
	ProfitDelta float64 `yaml:"profit_delta"`
	// HashTTLSeconds bounds how long a snapshot content hash is trusted
	// for skip detection.
	HashTTLSeconds int `yaml:"hash_ttl_seconds"`
	// RequestTimeoutSeconds caps one ingestion call end to end.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// StaleAfterSeconds is how long a bridge may go without a sync before
	// the watchdog marks it disconnected.
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// RiskConfig holds the margin-level warning tiers, in percent
type RiskConfig struct {
	WarningLevel  float64 `yaml:"warning_level"`
	HighLevel     float64 `yaml:"high_level"`
	CriticalLevel float64 `yaml:"critical_level"`
}

// WSConfig tunes viewer connection keepalive
type WSConfig struct {
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	// MissedPongLimit consecutive unanswered pings close the connection.
	MissedPongLimit int `yaml:"missed_pong_limit"`
	SendBuffer      int `yaml:"send_buffer"`
}

type LogConfig struct {
	Dir string `yaml:"dir"`
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.loadFromEnv()
	cfg.applyFloors()

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Sync: SyncConfig{
			ProfitDelta:           0.01,
			HashTTLSeconds:        300,
			RequestTimeoutSeconds: 10,
			StaleAfterSeconds:     90,
		},
		Risk: RiskConfig{
			WarningLevel:  150,
			HighLevel:     100,
			CriticalLevel: 50,
		},
		WS: WSConfig{
			PingIntervalSeconds: 30,
			MissedPongLimit:     2,
			SendBuffer:          64,
		},
		Log: LogConfig{Dir: "logs"},
	}
}

func (c *Config) applyFloors() {
	if c.Sync.ProfitDelta < 0 {
		c.Sync.ProfitDelta = 0
	}
	if c.Sync.RequestTimeoutSeconds <= 0 {
		c.Sync.RequestTimeoutSeconds = 10
	}
	if c.Sync.StaleAfterSeconds <= 0 {
		c.Sync.StaleAfterSeconds = 90
	}
	if c.WS.PingIntervalSeconds <= 0 {
		c.WS.PingIntervalSeconds = 30
	}
	if c.WS.MissedPongLimit <= 0 {
		c.WS.MissedPongLimit = 2
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 64
	}
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			c.JWT.ExpireHours = hours
		}
	}

	// Sync
	if v := os.Getenv("SYNC_PROFIT_DELTA"); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil {
			c.Sync.ProfitDelta = d
		}
	}
}

// RequestTimeout returns the per-call ingestion deadline
func (c *SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StaleAfter returns the bridge staleness threshold
func (c *SyncConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// HashTTL returns how long a stored snapshot hash stays valid
func (c *SyncConfig) HashTTL() time.Duration {
	return time.Duration(c.HashTTLSeconds) * time.Second
}

// PingInterval returns the keepalive ping period
func (c *WSConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}
