package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production" - controls test URL validation
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Bus         BusConfig       `toml:"bus"`
	Workers     WorkersConfig   `toml:"workers"`
	Fetch       FetchConfig     `toml:"fetch"`
	Browser     BrowserConfig   `toml:"browser"`
	Lake        LakeConfig      `toml:"lake"`
	Schemas     SchemasConfig   `toml:"schemas"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// BusConfig controls the badger-backed message bus
type BusConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "500ms" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "2m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	DLQRetention      string `toml:"dlq_retention"`      // How long dead-lettered messages are kept (default: "168h")
}

// WorkersConfig contains worker pool sizing
type WorkersConfig struct {
	HTTPConcurrency int  `toml:"http_concurrency"` // Concurrent HTTP extraction workers
	BrowserSessions int  `toml:"browser_sessions"` // Headless browser sessions (also browser worker concurrency)
	HTTPPrefetch    int  `toml:"http_prefetch"`    // Messages prefetched per HTTP worker poll
	BrowserPrefetch int  `toml:"browser_prefetch"` // Messages prefetched per browser worker poll
	Debug           bool `toml:"debug"`            // Capture debug artifacts (page snapshot, screenshot) on failure
}

// FetchConfig controls plain HTTP fetching
type FetchConfig struct {
	Timeout           string   `toml:"timeout"`             // Per-request timeout (default: "30s")
	TaskTimeout       string   `toml:"task_timeout"`        // End-to-end task budget including render and extraction (default: "60s")
	MaxRedirects      int      `toml:"max_redirects"`       // Redirect chain cap (default: 10)
	MaxBodySize       int      `toml:"max_body_size"`       // Maximum response body size in bytes
	UserAgents        []string `toml:"user_agents"`         // User agent rotation pool
	UserAgentRotation bool     `toml:"user_agent_rotation"` // Enable random user agent rotation
	Proxies           []string `toml:"proxies"`             // Proxy URLs for the rotating pool (empty = direct)
	ProxyCooldown     string   `toml:"proxy_cooldown"`      // Quarantine window after a proxy failure (default: "5m")
	HostInterval      string   `toml:"host_interval"`       // Minimum interval between requests to the same host (default: "1s")
}

// BrowserConfig controls headless browser fetching
type BrowserConfig struct {
	Headless    bool   `toml:"headless"`     // Run Chrome headless (default: true)
	StepTimeout string `toml:"step_timeout"` // Per navigation step ceiling (default: "10s")
	SettleDelay string `toml:"settle_delay"` // Post-navigation settle time before reading the DOM (default: "2s")
	UserAgent   string `toml:"user_agent"`   // Browser user agent override (empty = rotation pool)
}

// LakeConfig controls where bronze and trash output lands
type LakeConfig struct {
	Backend string       `toml:"backend"` // "fs" or "s3"
	Root    string       `toml:"root"`    // Filesystem root for the fs backend
	S3      LakeS3Config `toml:"s3"`
}

// LakeS3Config contains S3 object store settings for the lake
type LakeS3Config struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // Custom endpoint for S3-compatible stores (MinIO etc.)
}

// SchemasConfig contains parsing schema registry settings
type SchemasConfig struct {
	SeedDir  string `toml:"seed_dir"`  // Directory containing schema seed files (YAML)
	CacheTTL string `toml:"cache_ttl"` // Worker-side schema cache TTL (default: "5m")
}

// SchedulerConfig contains cron service settings
type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	DLQPurgeSchedule string `toml:"dlq_purge_schedule"` // Cron expression for DLQ retention purge
	DispatchInterval string `toml:"dispatch_interval"`  // How often scheduled task templates are checked (default: "1m")
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig contains configuration for the status event stream
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"task_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in excerpo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode - allows test URLs
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Bus: BusConfig{
			PollInterval:      "500ms",
			VisibilityTimeout: "2m",
			MaxReceive:        5,      // Poison pill guard; task-level retries are tracked by the coordinator
			DLQRetention:      "168h", // 7 days
		},
		Workers: WorkersConfig{
			HTTPConcurrency: 50,
			BrowserSessions: 5,
			HTTPPrefetch:    10,
			BrowserPrefetch: 2,
			Debug:           false, // Disabled by default - no artifact capture overhead in production
		},
		Fetch: FetchConfig{
			Timeout:      "30s",
			TaskTimeout:  "60s",
			MaxRedirects: 10,
			MaxBodySize:  10 * 1024 * 1024, // 10MB
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			UserAgentRotation: true,
			Proxies:           []string{},
			ProxyCooldown:     "5m",
			HostInterval:      "1s",
		},
		Browser: BrowserConfig{
			Headless:    true,
			StepTimeout: "10s",
			SettleDelay: "2s",
		},
		Lake: LakeConfig{
			Backend: "fs",
			Root:    "./data/lake",
		},
		Schemas: SchemasConfig{
			SeedDir:  "./schemas",
			CacheTTL: "5m",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			DLQPurgeSchedule: "0 3 * * *", // Daily at 03:00
			DispatchInterval: "1m",
		},
		Logging: LoggingConfig{
			Level:  "info",                     // Info level for production (debug|info|warn|error)
			Output: []string{"stdout", "file"}, // Log to both console and file
		},
		WebSocket: WebSocketConfig{
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			// Throttle high-frequency events to prevent flooding during large fan-outs
			ThrottleIntervals: map[string]string{
				"task_progress": "1s",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: EXCERPO_ENV, fallback: GO_ENV)
	if env := os.Getenv("EXCERPO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("EXCERPO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("EXCERPO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("EXCERPO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Bus configuration
	if pollInterval := os.Getenv("EXCERPO_BUS_POLL_INTERVAL"); pollInterval != "" {
		config.Bus.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("EXCERPO_BUS_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Bus.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("EXCERPO_BUS_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Bus.MaxReceive = mr
		}
	}
	if retention := os.Getenv("EXCERPO_BUS_DLQ_RETENTION"); retention != "" {
		config.Bus.DLQRetention = retention
	}

	// Worker configuration
	if httpConcurrency := os.Getenv("EXCERPO_WORKERS_HTTP_CONCURRENCY"); httpConcurrency != "" {
		if c, err := strconv.Atoi(httpConcurrency); err == nil {
			config.Workers.HTTPConcurrency = c
		}
	}
	if browserSessions := os.Getenv("EXCERPO_WORKERS_BROWSER_SESSIONS"); browserSessions != "" {
		if c, err := strconv.Atoi(browserSessions); err == nil {
			config.Workers.BrowserSessions = c
		}
	}
	if debug := os.Getenv("EXCERPO_WORKERS_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			config.Workers.Debug = d
		}
	}

	// Fetch configuration
	if timeout := os.Getenv("EXCERPO_FETCH_TIMEOUT"); timeout != "" {
		config.Fetch.Timeout = timeout
	}
	if taskTimeout := os.Getenv("EXCERPO_FETCH_TASK_TIMEOUT"); taskTimeout != "" {
		config.Fetch.TaskTimeout = taskTimeout
	}
	if maxRedirects := os.Getenv("EXCERPO_FETCH_MAX_REDIRECTS"); maxRedirects != "" {
		if mr, err := strconv.Atoi(maxRedirects); err == nil {
			config.Fetch.MaxRedirects = mr
		}
	}
	if maxBodySize := os.Getenv("EXCERPO_FETCH_MAX_BODY_SIZE"); maxBodySize != "" {
		if mbs, err := strconv.Atoi(maxBodySize); err == nil {
			config.Fetch.MaxBodySize = mbs
		}
	}
	if rotation := os.Getenv("EXCERPO_FETCH_USER_AGENT_ROTATION"); rotation != "" {
		if r, err := strconv.ParseBool(rotation); err == nil {
			config.Fetch.UserAgentRotation = r
		}
	}
	if proxies := os.Getenv("EXCERPO_FETCH_PROXIES"); proxies != "" {
		list := []string{}
		for _, p := range strings.Split(proxies, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				list = append(list, trimmed)
			}
		}
		if len(list) > 0 {
			config.Fetch.Proxies = list
		}
	}
	if hostInterval := os.Getenv("EXCERPO_FETCH_HOST_INTERVAL"); hostInterval != "" {
		config.Fetch.HostInterval = hostInterval
	}

	// Browser configuration
	if headless := os.Getenv("EXCERPO_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if stepTimeout := os.Getenv("EXCERPO_BROWSER_STEP_TIMEOUT"); stepTimeout != "" {
		config.Browser.StepTimeout = stepTimeout
	}

	// Lake configuration
	if backend := os.Getenv("EXCERPO_LAKE_BACKEND"); backend != "" {
		config.Lake.Backend = backend
	}
	if root := os.Getenv("EXCERPO_LAKE_ROOT"); root != "" {
		config.Lake.Root = root
	}
	if bucket := os.Getenv("EXCERPO_LAKE_S3_BUCKET"); bucket != "" {
		config.Lake.S3.Bucket = bucket
	}
	if prefix := os.Getenv("EXCERPO_LAKE_S3_PREFIX"); prefix != "" {
		config.Lake.S3.Prefix = prefix
	}
	if region := os.Getenv("EXCERPO_LAKE_S3_REGION"); region != "" {
		config.Lake.S3.Region = region
	}
	if endpoint := os.Getenv("EXCERPO_LAKE_S3_ENDPOINT"); endpoint != "" {
		config.Lake.S3.Endpoint = endpoint
	}

	// Schema registry configuration
	if seedDir := os.Getenv("EXCERPO_SCHEMAS_SEED_DIR"); seedDir != "" {
		config.Schemas.SeedDir = seedDir
	}
	if cacheTTL := os.Getenv("EXCERPO_SCHEMAS_CACHE_TTL"); cacheTTL != "" {
		config.Schemas.CacheTTL = cacheTTL
	}

	// Scheduler configuration
	if enabled := os.Getenv("EXCERPO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}

	// Logging configuration
	if level := os.Getenv("EXCERPO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("EXCERPO_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag values to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Duration parses a duration field, falling back to the given default when
// the value is empty or malformed. Config durations are strings so TOML files
// can write "30s" rather than nanosecond counts.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression (standard 5-field format)
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are allowed.
// Test URLs are only allowed in development mode.
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}
