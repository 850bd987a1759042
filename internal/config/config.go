// Package config loads streamflow configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultDecimals is used to display amounts of tokens missing from Tokens.
const DefaultDecimals uint8 = 7

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Storage   StorageConfig    `yaml:"storage"`
	Vault     VaultConfig      `yaml:"vault"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Events    EventsConfig     `yaml:"events"`
	Keeper    KeeperConfig     `yaml:"keeper"`
	Log       LogConfig        `yaml:"log"`
	Tokens    map[string]uint8 `yaml:"tokens"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"STREAMFLOW_ADDR" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"STREAMFLOW_READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"STREAMFLOW_WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"STREAMFLOW_IDLE_TIMEOUT" validate:"gt=0"`
	CORSOrigins  []string      `yaml:"cors_origins" env:"STREAMFLOW_CORS_ORIGINS"`
}

type LedgerConfig struct {
	Admin            string   `yaml:"admin" env:"STREAMFLOW_ADMIN" validate:"required,max=128"`
	MinBufferSeconds uint64   `yaml:"min_buffer_seconds" env:"STREAMFLOW_MIN_BUFFER_SECONDS"`
	// VaultAddress labels the in-process vault. In http mode the address is
	// vault.base_url and the admin may repoint it at runtime.
	VaultAddress     string   `yaml:"vault_address" env:"STREAMFLOW_VAULT_ADDRESS"`
	Liquidators      []string `yaml:"liquidator_allowlist" env:"STREAMFLOW_LIQUIDATORS"`
	RefundOnStop     bool     `yaml:"refund_on_stop" env:"STREAMFLOW_REFUND_ON_STOP"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"STREAMFLOW_STORAGE_DRIVER" validate:"oneof=memory postgres pebble"`
	DSN         string `yaml:"dsn" env:"STREAMFLOW_DATABASE_URL" validate:"required_if=Driver postgres"`
	DataDir     string `yaml:"data_dir" env:"STREAMFLOW_DATA_DIR" validate:"required_if=Driver pebble"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"STREAMFLOW_AUTO_MIGRATE"`
}

type VaultConfig struct {
	Mode       string        `yaml:"mode" env:"STREAMFLOW_VAULT_MODE" validate:"oneof=memory http"`
	BaseURL    string        `yaml:"base_url" env:"STREAMFLOW_VAULT_URL" validate:"omitempty,url"`
	Token      string        `yaml:"token" env:"STREAMFLOW_VAULT_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"STREAMFLOW_VAULT_TIMEOUT" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" env:"STREAMFLOW_VAULT_MAX_RETRIES" validate:"gte=0"`
	// ExposeAPI mounts the in-process vault's custody routes under /vault.
	// They accept only Token as a bearer credential.
	ExposeAPI bool `yaml:"expose_api" env:"STREAMFLOW_VAULT_EXPOSE_API"`
}

type AuthConfig struct {
	Secret      string `yaml:"secret" env:"STREAMFLOW_JWT_SECRET" validate:"required,min=16"`
	Issuer      string `yaml:"issuer" env:"STREAMFLOW_JWT_ISSUER"`
	PublicReads bool   `yaml:"public_reads" env:"STREAMFLOW_PUBLIC_READS"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" env:"STREAMFLOW_RATE_LIMIT_ENABLED"`
	RequestsPerSecond int  `yaml:"requests_per_second" env:"STREAMFLOW_RATE_LIMIT_RPS" validate:"required_if=Enabled true,gte=0"`
	Burst             int  `yaml:"burst" env:"STREAMFLOW_RATE_LIMIT_BURST" validate:"gte=0"`
}

type EventsConfig struct {
	Sink          string   `yaml:"sink" env:"STREAMFLOW_EVENTS_SINK" validate:"oneof=none log redis kafka"`
	Workers       int      `yaml:"workers" env:"STREAMFLOW_EVENTS_WORKERS" validate:"gte=1"`
	RedisAddr     string   `yaml:"redis_addr" env:"STREAMFLOW_REDIS_ADDR" validate:"required_if=Sink redis"`
	RedisPassword string   `yaml:"redis_password" env:"STREAMFLOW_REDIS_PASSWORD"`
	RedisDB       int      `yaml:"redis_db" env:"STREAMFLOW_REDIS_DB"`
	RedisStream   string   `yaml:"redis_stream" env:"STREAMFLOW_REDIS_STREAM"`
	RedisMaxLen   int64    `yaml:"redis_max_len" env:"STREAMFLOW_REDIS_MAX_LEN"`
	KafkaBrokers  []string `yaml:"kafka_brokers" env:"STREAMFLOW_KAFKA_BROKERS" validate:"required_if=Sink kafka"`
	KafkaTopic    string   `yaml:"kafka_topic" env:"STREAMFLOW_KAFKA_TOPIC"`
}

type KeeperConfig struct {
	Enabled      bool          `yaml:"enabled" env:"STREAMFLOW_KEEPER_ENABLED"`
	Schedule     string        `yaml:"schedule" env:"STREAMFLOW_KEEPER_SCHEDULE" validate:"required_if=Enabled true"`
	Workers      int           `yaml:"workers" env:"STREAMFLOW_KEEPER_WORKERS" validate:"gte=1"`
	Identity     string        `yaml:"identity" env:"STREAMFLOW_KEEPER_IDENTITY" validate:"required"`
	SweepTimeout time.Duration `yaml:"sweep_timeout" env:"STREAMFLOW_KEEPER_SWEEP_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"oneof=json text"`
}

// Default returns a configuration that runs fully in memory. Auth.Secret
// has no default and must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Ledger: LedgerConfig{
			Admin:            "admin",
			MinBufferSeconds: 3600,
			VaultAddress:     "memory",
		},
		Storage: StorageConfig{Driver: "memory"},
		Vault: VaultConfig{
			Mode:       "memory",
			Timeout:    10 * time.Second,
			MaxRetries: 2,
		},
		Auth: AuthConfig{Issuer: "streamflow"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Events: EventsConfig{
			Sink:        "log",
			Workers:     2,
			RedisStream: "streamflow:events",
			RedisMaxLen: 100000,
			KafkaTopic:  "streamflow.events",
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "@every 1m",
			Workers:  4,
			Identity: "keeper",
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		Tokens: map[string]uint8{},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	// envdecode splits lists on ';'. Accept commas as well.
	c.Server.CORSOrigins = splitList(c.Server.CORSOrigins)
	c.Ledger.Liquidators = splitList(c.Ledger.Liquidators)
	c.Events.KafkaBrokers = splitList(c.Events.KafkaBrokers)
	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var validate = validator.New()

// Validate rejects missing or inconsistent values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Ledger.MinBufferSeconds == 0 {
		return fmt.Errorf("invalid config: ledger.min_buffer_seconds must be positive")
	}
	if c.Vault.Mode == "http" && c.Vault.BaseURL == "" {
		return fmt.Errorf("invalid config: vault.base_url is required in http mode")
	}
	if c.Vault.ExposeAPI {
		if c.Vault.Mode != "memory" {
			return fmt.Errorf("invalid config: vault.expose_api requires vault.mode memory")
		}
		if len(c.Vault.Token) < 16 {
			return fmt.Errorf("invalid config: vault.expose_api requires a vault.token of at least 16 characters")
		}
		if c.Vault.Token == c.Auth.Secret {
			return fmt.Errorf("invalid config: vault.token must differ from auth.secret")
		}
	}
	if c.Keeper.Enabled && len(c.Ledger.Liquidators) > 0 && !contains(c.Ledger.Liquidators, c.Keeper.Identity) {
		return fmt.Errorf("invalid config: keeper.identity %q is not in ledger.liquidator_allowlist", c.Keeper.Identity)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Decimals returns the display precision for token.
func (c *Config) Decimals(token string) uint8 {
	if d, ok := c.Tokens[token]; ok {
		return d
	}
	return DefaultDecimals
}
