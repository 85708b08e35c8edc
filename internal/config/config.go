package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the gateway. Values are
// loaded once at startup and the resulting tables are read-only afterwards,
// so they may be shared across goroutines without locking.
type Config struct {
	App      AppConfig
	Services ServiceConfig
	Redis    RedisConfig
	Health   HealthConfig
	Proxy    ProxyConfig
	Worker   WorkerConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// ServiceConfig holds the static upstream descriptor: service name to base
// URL, plus the client-facing selector aliases. Several selectors may map
// onto one service (classes resolves to courses, results to trainees).
type ServiceConfig struct {
	BaseURLs  map[string]string
	Selectors map[string]string
}

// RedisConfig describes the queue backing store connection.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns the primary host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// FallbackAddrs lists the connection addresses in preference order. The
// configured address is tried first, then the conventional local fallbacks.
func (r RedisConfig) FallbackAddrs() []string {
	addrs := []string{r.Addr()}
	for _, fb := range []string{"127.0.0.1:6379", "localhost:6379"} {
		if fb != addrs[0] {
			addrs = append(addrs, fb)
		}
	}
	return addrs
}

// HealthConfig controls upstream probing.
type HealthConfig struct {
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
}

// ProxyConfig controls the synchronous forwarding path.
type ProxyConfig struct {
	ForwardTimeout time.Duration
}

// WorkerConfig controls drain cycles and retry budgets.
type WorkerConfig struct {
	MaxRetries          int
	BatchSize           int
	DeadLetterBatchSize int
	Interval            time.Duration
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Services.BaseURLs = map[string]string{
		"courses":  ldr.getURL("COURSES_SERVICE_URL", "http://courses_service:8000"),
		"trainees": ldr.getURL("TRAINEES_SERVICE_URL", "http://trainees_service:8000"),
		"exams":    ldr.getURL("EXAMS_SERVICE_URL", "http://exams_service:8000"),
	}
	cfg.Services.Selectors = map[string]string{
		"courses":  "courses",
		"classes":  "courses",
		"trainees": "trainees",
		"results":  "trainees",
		"exams":    "exams",
	}

	cfg.Redis.Host = ldr.getString("REDIS_HOST", "127.0.0.1", false)
	cfg.Redis.Port = ldr.getInt("REDIS_PORT", 6379, false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)

	cfg.Health.CacheTTL = time.Duration(ldr.getInt("HEALTH_TTL_SECONDS", 30, false)) * time.Second
	cfg.Health.ProbeTimeout = time.Duration(ldr.getInt("HEALTH_PROBE_TIMEOUT_SECONDS", 5, false)) * time.Second

	cfg.Proxy.ForwardTimeout = time.Duration(ldr.getInt("FORWARD_TIMEOUT_SECONDS", 30, false)) * time.Second

	cfg.Worker.MaxRetries = ldr.getInt("MAX_RETRIES", 3, false)
	cfg.Worker.BatchSize = ldr.getInt("QUEUE_BATCH_SIZE", 100, false)
	cfg.Worker.DeadLetterBatchSize = ldr.getInt("DEAD_LETTER_BATCH_SIZE", 50, false)
	cfg.Worker.Interval = time.Duration(ldr.getInt("WORKER_INTERVAL_SECONDS", 0, false)) * time.Second

	if cfg.Worker.MaxRetries < 1 {
		ldr.addError("MAX_RETRIES must be >= 1")
	}
	if cfg.Worker.BatchSize < 1 {
		ldr.addError("QUEUE_BATCH_SIZE must be >= 1")
	}
	if cfg.Worker.DeadLetterBatchSize < 1 {
		ldr.addError("DEAD_LETTER_BATCH_SIZE must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getURL(key, def string) string {
	raw := l.getString(key, def, false)
	raw = strings.TrimRight(raw, "/")
	if _, err := url.ParseRequestURI(raw); err != nil {
		l.addError(fmt.Sprintf("%s must be a valid URL", key))
		return def
	}
	return raw
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
