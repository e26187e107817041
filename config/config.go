package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"

	apperr "indiworker/pkg/errors"
)

// Default configuration values.
const (
	// DefaultBaseURL is the hosting root of the plan service. Individual
	// endpoints (mobil, vplan, vpdir) are resolved relative to it.
	DefaultBaseURL = "https://www.stundenplan24.de"

	// DefaultAttemptTimeout bounds a single HTTP exchange through one proxy.
	// Proxies that cannot produce a response within this window are treated
	// as broken and the dispatcher moves on to the next candidate.
	DefaultAttemptTimeout = 5 * time.Second

	// DefaultBlockCooldown is how long a proxy stays excluded from candidate
	// selection after the target rate-limited it. Blocking is time-based and
	// carries no score penalty.
	DefaultBlockCooldown = 60 * time.Second

	// DefaultPersistEvery debounces proxy pool persistence: the pool file is
	// rewritten once per this many mark operations.
	DefaultPersistEvery = 50

	// DefaultTriesCap bounds the smoothing window of the proxy score so a
	// long-lived proxy still reacts to recent outcomes.
	DefaultTriesCap = 200

	// DefaultUserAgent is the fixed user agent the plan service expects.
	DefaultUserAgent = "Indiware"

	// AppName is used for XDG data directory paths.
	AppName = "indiworker"
)

// Config represents the application configuration
type Config struct {
	// Remote plan service
	BaseURL      string
	SchoolNumber string
	Username     string
	Password     string
	UserAgent    string

	// Crawler configuration
	CrawlInterval time.Duration
	LookBack      int
	LookForward   int
	FetchWorkers  int

	// Dispatcher pacing and timeouts
	RequestDelay   time.Duration
	AttemptTimeout time.Duration

	// Proxy pool
	ProxyFile       string
	ProxyPoolOff    bool
	BlockCooldown   time.Duration
	PersistEvery    int
	PubProxyAPIKey  string
	ProxyListURL    string

	// Revision cache
	CacheDir string

	// Redis publisher (disabled when addr is empty)
	RedisAddr       string
	RedisDB         int
	RedisStream     string
	StreamMaxLength int

	// Memcache validator cache (in-memory fallback when addr is empty)
	MemcacheAddr string

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	crawlInterval, _ := strconv.Atoi(getEnv("CRAWL_INTERVAL_SECONDS", "1800"))
	lookBack, _ := strconv.Atoi(getEnv("LOOK_BACK_DAYS", "10"))
	lookForward, _ := strconv.Atoi(getEnv("LOOK_FORWARD_DAYS", "10"))
	fetchWorkers, _ := strconv.Atoi(getEnv("FETCH_WORKERS", "4"))
	requestDelayMs, _ := strconv.Atoi(getEnv("REQUEST_DELAY_MS", "0"))
	attemptTimeoutMs, _ := strconv.Atoi(getEnv("ATTEMPT_TIMEOUT_MS", "5000"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamMaxLength, _ := strconv.Atoi(getEnv("REDIS_STREAM_MAX_LENGTH", "500"))
	persistEvery, _ := strconv.Atoi(getEnv("PROXY_PERSIST_EVERY", strconv.Itoa(DefaultPersistEvery)))

	dataDir := filepath.Join(xdg.DataHome, AppName)

	return &Config{
		BaseURL:      getEnv("SP24_URL", DefaultBaseURL),
		SchoolNumber: getEnv("SP24_SCHOOL_NUMBER", ""),
		Username:     getEnv("SP24_USERNAME", ""),
		Password:     getEnv("SP24_PASSWORD", ""),
		UserAgent:    getEnv("SP24_USER_AGENT", DefaultUserAgent),

		CrawlInterval: time.Duration(crawlInterval) * time.Second,
		LookBack:      lookBack,
		LookForward:   lookForward,
		FetchWorkers:  fetchWorkers,

		RequestDelay:   time.Duration(requestDelayMs) * time.Millisecond,
		AttemptTimeout: time.Duration(attemptTimeoutMs) * time.Millisecond,

		ProxyFile:      getEnv("PROXY_FILE", filepath.Join(dataDir, "proxies.json")),
		ProxyPoolOff:   getEnv("PROXY_POOL_OFF", "") != "",
		BlockCooldown:  DefaultBlockCooldown,
		PersistEvery:   persistEvery,
		PubProxyAPIKey: getEnv("PUBPROXY_API_KEY", ""),
		ProxyListURL:   getEnv("PROXY_LIST_URL", "https://free-proxy-list.net/"),

		CacheDir: getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisDB:         redisDB,
		RedisStream:     getEnv("REDIS_STREAM", "revisions"),
		StreamMaxLength: streamMaxLength,

		MemcacheAddr: getEnv("MEMCACHE_ADDR", ""),

		Environment: getEnv("INDIWORKER_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the worker cannot run with
func (c *Config) Validate() error {
	if c.SchoolNumber == "" {
		return apperr.NewConfiguration("SP24_SCHOOL_NUMBER is required")
	}
	if c.CrawlInterval <= 0 {
		return apperr.NewConfiguration("CRAWL_INTERVAL_SECONDS must be positive")
	}
	if c.LookBack < 0 || c.LookForward < 0 {
		return apperr.NewConfiguration("look back/forward windows must not be negative")
	}
	if c.AttemptTimeout <= 0 {
		return apperr.NewConfiguration("ATTEMPT_TIMEOUT_MS must be positive")
	}
	if c.FetchWorkers < 1 {
		return apperr.NewConfiguration("FETCH_WORKERS must be at least 1")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
