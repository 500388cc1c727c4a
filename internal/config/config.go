package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/namehu/PixiShelf-sub001/internal/ingest"
)

const (
	DefaultBind     = ":8080"
	DefaultDBDriver = "mysql"
	DefaultScanRoot = "/srv/pixishelf"
)

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Scan struct {
	ChunkSize       int           `yaml:"chunkSize"`
	MaxDepth        int           `yaml:"maxDepth"`
	FlushThreshold  int           `yaml:"flushThreshold"`
	FlushInterval   time.Duration `yaml:"flushInterval"`
	Concurrency     int           `yaml:"concurrency"`
	MaxConcurrency  int           `yaml:"maxConcurrency"`
	MemoryBudget    uint64        `yaml:"memoryBudget"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	ProbeDimensions bool          `yaml:"probeDimensions"`
}

type Config struct {
	Bind               string   `yaml:"bind"`
	DBDriver           string   `yaml:"dbDriver"`
	DBDSN              string   `yaml:"dbDSN"`
	ScanRoot           string   `yaml:"scanRoot"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	LogLevel           string   `yaml:"logLevel"`
	LogFormat          string   `yaml:"logFormat"`
	Redis              Redis    `yaml:"redis"`
	Scan               Scan     `yaml:"scan"`
	SwaggerUIPath      string   `yaml:"-"`
	OpenAPIPath        string   `yaml:"-"`
}

func defaults() *Config {
	opts := ingest.DefaultOptions()
	return &Config{
		Bind:     DefaultBind,
		DBDriver: DefaultDBDriver,
		ScanRoot: DefaultScanRoot,
		Scan: Scan{
			ChunkSize:       opts.ChunkSize,
			MaxDepth:        opts.MaxDepth,
			FlushThreshold:  opts.Flow.FlushThreshold,
			FlushInterval:   opts.Flow.FlushInterval,
			Concurrency:     opts.Flow.InitialConcurrency,
			MaxConcurrency:  opts.Flow.MaxConcurrency,
			MemoryBudget:    opts.Flow.MemoryBudget,
			BatchTimeout:    opts.BatchTimeout,
			ProbeDimensions: opts.ProbeDimensions,
		},
		SwaggerUIPath: "/swagger",
		OpenAPIPath:   "/openapi.yaml",
	}
}

// Load reads .env, then the YAML file named by PIXISHELF_CONFIG_FILE, then
// PIXISHELF_* variables. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("PIXISHELF_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Bind = getenv("PIXISHELF_BIND", cfg.Bind)
	cfg.DBDriver = getenv("PIXISHELF_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("PIXISHELF_DB_DSN", cfg.DBDSN)
	cfg.ScanRoot = getenv("PIXISHELF_SCAN_ROOT", cfg.ScanRoot)
	if origins := splitAndTrim(os.Getenv("PIXISHELF_CORS_ALLOWED_ORIGINS")); origins != nil {
		cfg.CORSAllowedOrigins = origins
	}
	cfg.LogLevel = getenv("PIXISHELF_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("PIXISHELF_LOG_FORMAT", cfg.LogFormat)

	cfg.Redis.Addr = getenv("PIXISHELF_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("PIXISHELF_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getInt("PIXISHELF_REDIS_DB", cfg.Redis.DB)

	s := &cfg.Scan
	s.ChunkSize = getInt("PIXISHELF_SCAN_CHUNK_SIZE", s.ChunkSize)
	s.MaxDepth = getInt("PIXISHELF_SCAN_MAX_DEPTH", s.MaxDepth)
	s.FlushThreshold = getInt("PIXISHELF_SCAN_FLUSH_THRESHOLD", s.FlushThreshold)
	s.FlushInterval = getDuration("PIXISHELF_SCAN_FLUSH_INTERVAL", s.FlushInterval)
	s.Concurrency = getInt("PIXISHELF_SCAN_CONCURRENCY", s.Concurrency)
	s.MaxConcurrency = getInt("PIXISHELF_SCAN_MAX_CONCURRENCY", s.MaxConcurrency)
	s.MemoryBudget = getUint64("PIXISHELF_SCAN_MEMORY_BUDGET", s.MemoryBudget)
	s.BatchTimeout = getDuration("PIXISHELF_SCAN_BATCH_TIMEOUT", s.BatchTimeout)
	s.ProbeDimensions = getBool("PIXISHELF_SCAN_PROBE_DIMENSIONS", s.ProbeDimensions)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("PIXISHELF_DB_DSN is required")
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid PIXISHELF_DB_DRIVER: %s", c.DBDriver)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid PIXISHELF_LOG_FORMAT: %s", c.LogFormat)
	}
	if c.Scan.MaxConcurrency > 0 && c.Scan.Concurrency > c.Scan.MaxConcurrency {
		return fmt.Errorf("PIXISHELF_SCAN_CONCURRENCY (%d) exceeds PIXISHELF_SCAN_MAX_CONCURRENCY (%d)",
			c.Scan.Concurrency, c.Scan.MaxConcurrency)
	}
	return nil
}

// Logger builds the root logger writing to w.
func (c *Config) Logger(w io.Writer, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("version", version)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) ScanOptions() ingest.Options {
	opts := ingest.DefaultOptions()
	opts.ChunkSize = c.Scan.ChunkSize
	opts.MaxDepth = c.Scan.MaxDepth
	opts.BatchTimeout = c.Scan.BatchTimeout
	opts.ProbeDimensions = c.Scan.ProbeDimensions
	opts.Flow.FlushThreshold = c.Scan.FlushThreshold
	opts.Flow.FlushInterval = c.Scan.FlushInterval
	opts.Flow.InitialConcurrency = c.Scan.Concurrency
	opts.Flow.MaxConcurrency = c.Scan.MaxConcurrency
	opts.Flow.MemoryBudget = c.Scan.MemoryBudget
	return opts
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes" || v == "y"
	}
	return def
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
