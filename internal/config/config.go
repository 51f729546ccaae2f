package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory  = "memory"
	StoreSurreal = "surreal"
)

// Provider exposes configuration through getters so components can be tested
// with a stub.
type Provider interface {
	GetServerURL() string
	GetListenAddr() string
	GetHandshakeTimeout() time.Duration
	GetReconnectMin() time.Duration
	GetReconnectMax() time.Duration
	GetTypingIdle() time.Duration
	GetTypingTTL() time.Duration
	GetPresenceInterval() time.Duration
	GetHistoryPageSize() int
	GetSnapshotWindow() int
	GetStore() string
	GetDBUrl() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetRedisAddr() string
	GetSnapshotDir() string
}

// Config holds all configuration for the application.
type Config struct {
	ServerURL        string        `validate:"required,url"`
	ListenAddr       string        `validate:"required"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	ReconnectMin     time.Duration `validate:"gt=0"`
	ReconnectMax     time.Duration `validate:"gtefield=ReconnectMin"`
	TypingIdle       time.Duration `validate:"gt=0"`
	TypingTTL        time.Duration `validate:"gtefield=TypingIdle"`
	PresenceInterval time.Duration `validate:"gte=0"`
	HistoryPageSize  int           `validate:"gt=0,lte=500"`
	SnapshotWindow   int           `validate:"gt=0,lte=500"`
	Store            string        `validate:"oneof=memory surreal"`

	DBUrl  string `validate:"required_if=Store surreal"`
	DBNs   string `validate:"required_if=Store surreal"`
	DBDb   string `validate:"required_if=Store surreal"`
	DBUser string
	DBPass string

	RedisAddr   string
	SnapshotDir string
}

var _ Provider = (*Config)(nil)

var validatorInstance = validator.New()

// Defaults returns the configuration used when no variable is set.
func Defaults() *Config {
	return &Config{
		ServerURL:        "ws://localhost:8080/ws",
		ListenAddr:       ":8080",
		HandshakeTimeout: 10 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		TypingIdle:       time.Second,
		TypingTTL:        5 * time.Second,
		PresenceInterval: 30 * time.Second,
		HistoryPageSize:  50,
		SnapshotWindow:   50,
		Store:            StoreMemory,
	}
}

// New loads configuration from a .env file, if present, and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a validated configuration from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	p := parser{getenv: getenv}

	p.str("ROOMSYNC_SERVER_URL", &cfg.ServerURL)
	p.str("ROOMSYNC_LISTEN_ADDR", &cfg.ListenAddr)
	p.duration("ROOMSYNC_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	p.duration("ROOMSYNC_RECONNECT_MIN", &cfg.ReconnectMin)
	p.duration("ROOMSYNC_RECONNECT_MAX", &cfg.ReconnectMax)
	p.duration("ROOMSYNC_TYPING_IDLE", &cfg.TypingIdle)
	p.duration("ROOMSYNC_TYPING_TTL", &cfg.TypingTTL)
	p.duration("ROOMSYNC_PRESENCE_INTERVAL", &cfg.PresenceInterval)
	p.integer("ROOMSYNC_HISTORY_PAGE_SIZE", &cfg.HistoryPageSize)
	p.integer("ROOMSYNC_SNAPSHOT_WINDOW", &cfg.SnapshotWindow)
	p.str("ROOMSYNC_STORE", &cfg.Store)
	p.str("SURREAL_URL", &cfg.DBUrl)
	p.str("SURREAL_NS", &cfg.DBNs)
	p.str("SURREAL_DB", &cfg.DBDb)
	p.str("SURREAL_USER", &cfg.DBUser)
	p.str("SURREAL_PASS", &cfg.DBPass)
	p.str("REDIS_ADDR", &cfg.RedisAddr)
	p.str("ROOMSYNC_SNAPSHOT_DIR", &cfg.SnapshotDir)

	if p.err != nil {
		return nil, p.err
	}
	if err := validatorInstance.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parser reads typed values and keeps the first error.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v := p.getenv(key)
	if v == "" || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (c *Config) GetServerURL() string { return c.ServerURL }
func (c *Config) GetListenAddr() string { return c.ListenAddr }
func (c *Config) GetHandshakeTimeout() time.Duration { return c.HandshakeTimeout }
func (c *Config) GetReconnectMin() time.Duration { return c.ReconnectMin }
func (c *Config) GetReconnectMax() time.Duration { return c.ReconnectMax }
func (c *Config) GetTypingIdle() time.Duration { return c.TypingIdle }
func (c *Config) GetTypingTTL() time.Duration { return c.TypingTTL }
func (c *Config) GetPresenceInterval() time.Duration { return c.PresenceInterval }
func (c *Config) GetHistoryPageSize() int { return c.HistoryPageSize }
func (c *Config) GetSnapshotWindow() int { return c.SnapshotWindow }
func (c *Config) GetStore() string { return c.Store }
func (c *Config) GetDBUrl() string { return c.DBUrl }
func (c *Config) GetDBNs() string { return c.DBNs }
func (c *Config) GetDBDb() string { return c.DBDb }
func (c *Config) GetDBUser() string { return c.DBUser }
func (c *Config) GetDBPass() string { return c.DBPass }
func (c *Config) GetRedisAddr() string { return c.RedisAddr }
func (c *Config) GetSnapshotDir() string { return c.SnapshotDir }
