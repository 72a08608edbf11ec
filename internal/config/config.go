package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Backends names the overlay stores Config.Backend may select.
var Backends = []string{"memory", "pebble", "redis", "postgres"}

type Config struct {
	Addr            string        `yaml:"addr"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`

	// Backend selects the overlay store.
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int    `yaml:"db_max_conns"`
	MigrationsDir string `yaml:"migrations_dir"`
	RedisURL      string `yaml:"redis_url"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Tree options
	RootID       string `yaml:"root_id"`
	CacheSize    int    `yaml:"cache_size"`
	MaxDepth     int    `yaml:"max_depth"`
	DiffContext  int    `yaml:"diff_context"`
	MaxDiffBytes int    `yaml:"max_diff_bytes"`

	// Baseline repository. RepoDir empty disables import and publish.
	RepoDir       string `yaml:"repo_dir"`
	Branch        string `yaml:"branch"`
	PublishBranch string `yaml:"publish_branch"`
	AuthorName    string `yaml:"author_name"`
	AuthorEmail   string `yaml:"author_email"`

	MeiliURL       string `yaml:"meili_url"`
	MeiliMasterKey string `yaml:"meili_master_key"`
	MeiliIndex     string `yaml:"meili_index"`
	// RenderURL is the preview render service; empty shows escaped source.
	RenderURL string `yaml:"render_url"`
}

func Default() Config {
	return Config{
		Addr:            ":8787",
		CORSOrigin:      "*",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		Backend:         "memory",
		DataDir:         "./data/overlay",
		DBMaxConns:      20,
		MigrationsDir:   "./db/migrations",
		RedisPrefix:     "patchmgr:",
		RootID:          "root",
		CacheSize:       4096,
		MaxDepth:        256,
		DiffContext:     3,
		MaxDiffBytes:    1 << 20,
		Branch:          "master",
		PublishBranch:   "published",
		AuthorName:      "patchmgr",
		AuthorEmail:     "patchmgr@localhost",
		MeiliIndex:      "patchmgr_entries",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// PATCHMGR_CONFIG if set, and then the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("PATCHMGR_CONFIG"); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path on base. Keys absent from the
// file keep base's values.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveDefault writes the default configuration to path.
func SaveDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func applyEnv(c Config) Config {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.CORSOrigin = getenv("PATCHMGR_CORS_ORIGIN", c.CORSOrigin)
	c.ShutdownTimeout = time.Duration(getenvInt("PATCHMGR_SHUTDOWN_TIMEOUT_SECONDS", int(c.ShutdownTimeout/time.Second))) * time.Second
	c.LogLevel = getenv("PATCHMGR_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("PATCHMGR_LOG_FORMAT", c.LogFormat)

	c.Backend = getenv("PATCHMGR_BACKEND", c.Backend)
	c.DataDir = getenv("PATCHMGR_DATA_DIR", c.DataDir)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.DBMaxConns = getenvInt("PATCHMGR_DB_MAX_CONNS", c.DBMaxConns)
	c.MigrationsDir = getenv("PATCHMGR_MIGRATIONS_DIR", c.MigrationsDir)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.RedisPrefix = getenv("PATCHMGR_REDIS_PREFIX", c.RedisPrefix)

	c.RootID = getenv("PATCHMGR_ROOT_ID", c.RootID)
	c.CacheSize = getenvInt("PATCHMGR_CACHE_SIZE", c.CacheSize)
	c.MaxDepth = getenvInt("PATCHMGR_MAX_DEPTH", c.MaxDepth)
	c.DiffContext = getenvInt("PATCHMGR_DIFF_CONTEXT", c.DiffContext)
	c.MaxDiffBytes = getenvInt("PATCHMGR_MAX_DIFF_BYTES", c.MaxDiffBytes)

	c.RepoDir = getenv("PATCHMGR_REPO_DIR", c.RepoDir)
	c.Branch = getenv("PATCHMGR_BRANCH", c.Branch)
	c.PublishBranch = getenv("PATCHMGR_PUBLISH_BRANCH", c.PublishBranch)
	c.AuthorName = getenv("PATCHMGR_AUTHOR_NAME", c.AuthorName)
	c.AuthorEmail = getenv("PATCHMGR_AUTHOR_EMAIL", c.AuthorEmail)

	c.MeiliURL = getenv("MEILI_URL", c.MeiliURL)
	c.MeiliMasterKey = getenv("MEILI_MASTER_KEY", c.MeiliMasterKey)
	c.MeiliIndex = getenv("PATCHMGR_MEILI_INDEX", c.MeiliIndex)
	c.RenderURL = getenv("PATCHMGR_RENDER_URL", c.RenderURL)
	return c
}

// Validate checks the backend choice and the settings it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "pebble":
		if c.DataDir == "" {
			return fmt.Errorf("config: pebble backend needs data_dir")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("config: redis backend needs REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: postgres backend needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown backend %q (want one of %v)", c.Backend, Backends)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: log format %q is not text or json", c.LogFormat)
	}
	return nil
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logger.
func (c Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
