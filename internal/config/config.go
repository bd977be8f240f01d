// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/filedrop/service/internal/storage"
)

// Metadata backends accepted by METADATA_BACKEND.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const masked = "********"

// Config holds all runtime configuration for the service. It is assembled
// once at startup and not modified afterwards.
type Config struct {
	Port      string
	AppEnv    string
	LogLevel  string
	LogFormat string

	// Metadata index
	MetadataBackend       string
	RedisHost             string
	RedisPort             string
	RedisPassword         string
	RedisDB               int
	RedisNotifyKeyspace   bool
	DatabaseURL           string
	MetadataSweepInterval time.Duration

	// Lifetimes
	FileTTL        time.Duration
	AttributeGrace time.Duration

	// Byte store
	StorageDriver string
	Storage       storage.Params

	CORSOrigins []string
}

// Load reads configuration from envFile (or .env when empty, if present)
// and the process environment. Variables already set in the environment win
// over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		log.Debug().Msg("no .env file found, reading from environment")
	}

	var errs []error
	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		MetadataBackend:     strings.ToLower(getEnv("METADATA_BACKEND", BackendRedis)),
		RedisHost:           getEnv("REDIS_HOST", "localhost"),
		RedisPort:           getEnv("REDIS_PORT", "6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getInt("REDIS_DB", 0, &errs),
		RedisNotifyKeyspace: getBool("REDIS_NOTIFY_KEYSPACE_EVENTS", true, &errs),
		DatabaseURL:         getEnv("DATABASE_URL", ""),

		MetadataSweepInterval: getDuration("METADATA_SWEEP_INTERVAL", time.Second, &errs),
		FileTTL:               getDuration("FILE_TTL", 10*time.Minute, &errs),
		AttributeGrace:        getDuration("ATTRIBUTE_GRACE", 10*time.Second, &errs),

		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", storage.DriverFilesystem)),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
	}

	switch cfg.MetadataBackend {
	case BackendRedis, BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("METADATA_BACKEND: unknown backend %q", cfg.MetadataBackend))
	}
	if cfg.FileTTL <= 0 {
		errs = append(errs, errors.New("FILE_TTL must be positive"))
	}
	if cfg.AttributeGrace < 0 {
		errs = append(errs, errors.New("ATTRIBUTE_GRACE must not be negative"))
	}
	if cfg.MetadataSweepInterval <= 0 {
		errs = append(errs, errors.New("METADATA_SWEEP_INTERVAL must be positive"))
	}

	reg, err := storage.Lookup(cfg.StorageDriver)
	if err != nil {
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER: %w", err))
	} else {
		cfg.Storage = reg.Resolve(os.LookupEnv)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// AttributeTTL is the lifetime of secondary metadata attributes.
func (c *Config) AttributeTTL() time.Duration {
	return c.FileTTL + c.AttributeGrace
}

// Print writes the resolved configuration to w with secrets masked.
func (c *Config) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"PORT", c.Port},
		{"APP_ENV", c.AppEnv},
		{"LOG_LEVEL", c.LogLevel},
		{"LOG_FORMAT", c.LogFormat},
		{"METADATA_BACKEND", c.MetadataBackend},
	}
	switch c.MetadataBackend {
	case BackendRedis:
		rows = append(rows,
			[2]string{"REDIS_HOST", c.RedisHost},
			[2]string{"REDIS_PORT", c.RedisPort},
			[2]string{"REDIS_PASSWORD", mask(c.RedisPassword)},
			[2]string{"REDIS_DB", strconv.Itoa(c.RedisDB)},
			[2]string{"REDIS_NOTIFY_KEYSPACE_EVENTS", strconv.FormatBool(c.RedisNotifyKeyspace)},
		)
	case BackendPostgres:
		rows = append(rows,
			[2]string{"DATABASE_URL", redactURL(c.DatabaseURL)},
			[2]string{"METADATA_SWEEP_INTERVAL", c.MetadataSweepInterval.String()},
		)
	case BackendMemory:
		rows = append(rows, [2]string{"METADATA_SWEEP_INTERVAL", c.MetadataSweepInterval.String()})
	}
	rows = append(rows,
		[2]string{"FILE_TTL", c.FileTTL.String()},
		[2]string{"ATTRIBUTE_GRACE", c.AttributeGrace.String()},
		[2]string{"STORAGE_DRIVER", c.StorageDriver},
	)
	for _, k := range c.Storage.Keys() {
		v := c.Storage.Get(k)
		if isSecret(k) {
			v = mask(v)
		}
		rows = append(rows, [2]string{k, v})
	}
	rows = append(rows, [2]string{"CORS_ORIGINS", strings.Join(c.CORSOrigins, ",")})

	for _, r := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, "_SECRET_KEY") || strings.HasSuffix(key, "_PASSWORD")
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return masked
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return masked
	}
	return u.Redacted()
}
