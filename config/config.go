/*
Package config loads the engine configuration.

SOURCES (later wins):
  1. Default()
  2. YAML file passed with --config
  3. .env file in the working directory (if present)
  4. TOKEN_ENGINE_* environment variables

EXAMPLE:

	server:
	  port: 8080
	store:
	  driver: sqlite
	  dsn: tokens.db
	pricing:
	  price_floor: "0.00"
	  lock_wait: 5s
	  node_id: 1
	reconcile:
	  enabled: true
	  interval: 1h
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/logging"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TOKEN_ENGINE_"

type Config struct {
	Server    Server         `yaml:"server"`
	Store     Store          `yaml:"store"`
	Redis     Redis          `yaml:"redis"`
	Pricing   Pricing        `yaml:"pricing"`
	Reconcile Reconcile      `yaml:"reconcile"`
	Log       logging.Config `yaml:"log"`
}

type Server struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Catalog     string   `yaml:"catalog"` // optional promotions file loaded at startup
}

type Store struct {
	Driver string `yaml:"driver"` // memory, sqlite, mysql
	DSN    string `yaml:"dsn"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type Pricing struct {
	PriceFloor decimal.Decimal `yaml:"price_floor"`
	LockWait   time.Duration   `yaml:"lock_wait"`
	// NodeID is the snowflake node for purchase references; unique per
	// instance sharing a store.
	NodeID int `yaml:"node_id"`
}

// maxNodeID is the largest 10-bit snowflake node.
const maxNodeID = 1023

type Reconcile struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

func Default() Config {
	return Config{
		Server:    Server{Port: 8080, CORSOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"}},
		Store:     Store{Driver: "sqlite", DSN: "tokens.db"},
		Redis:     Redis{Addr: "localhost:6379", Channel: "token-engine.events"},
		Pricing:   Pricing{PriceFloor: decimal.Zero, LockWait: 5 * time.Second, NodeID: 1},
		Reconcile: Reconcile{Enabled: true, Interval: time.Hour, Workers: 4},
		Log:       logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads path (if not empty) over the defaults, then applies .env and
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_CHANNEL", &c.Redis.Channel)
	str("LOG_LEVEL", &c.Log.Level)
	str("CATALOG", &c.Server.Catalog)
	if v, ok := lookup(envPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v, ok := lookup(envPrefix + "PRICE_FLOOR"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%sPRICE_FLOOR: %w", envPrefix, err)
		}
		c.Pricing.PriceFloor = d
	}
	if v, ok := lookup(envPrefix + "RECONCILE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRECONCILE_INTERVAL: %w", envPrefix, err)
		}
		c.Reconcile.Interval = d
	}
	for _, err := range []error{
		num("PORT", &c.Server.Port),
		num("REDIS_DB", &c.Redis.DB),
		num("RECONCILE_WORKERS", &c.Reconcile.Workers),
		num("PRICING_NODE_ID", &c.Pricing.NodeID),
		flag("REDIS_ENABLED", &c.Redis.Enabled),
		flag("RECONCILE_ENABLED", &c.Reconcile.Enabled),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Pricing.PriceFloor.IsNegative() {
		return errors.New("pricing.price_floor must not be negative")
	}
	if c.Pricing.NodeID < 0 || c.Pricing.NodeID > maxNodeID {
		return fmt.Errorf("pricing.node_id: %d out of range [0, %d]", c.Pricing.NodeID, maxNodeID)
	}
	if c.Pricing.LockWait <= 0 {
		return errors.New("pricing.lock_wait must be positive")
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive when reconcile is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
