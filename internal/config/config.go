package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/chatrelay.ini"
	envPrefix        = "CHATRELAY_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon.
type RelayConfig struct {
	Environment string
	HTTPAddress string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	RetryMax        int
	RetryBaseDelay  time.Duration

	// FileBaseURL resolves relative file URLs from message_end events.
	// Empty means the upstream base url without its last path segment.
	FileBaseURL     string
	FilePathPrefix  string
	FileCacheDir    string
	DownloadTimeout time.Duration
	// PartialSweepSchedule is a standard cron expression; empty disables it.
	PartialSweepSchedule string
	PartialMaxAge        time.Duration
	UploadMaxBytes       int64

	StoreDriver       string
	StorePath         string
	StoreDSN          string
	StoreMaxOpenConns int
	StoreMaxIdleConns int

	DispatcherWorkers   int
	DispatcherQueueSize int
	SideEffectRulesFile string
	// SideEffectExclusions are used when no rules file is configured.
	SideEffectExclusions []string

	LogFile        string
	LogLevel       string
	MetricsEnabled bool
}

// Debug reports whether debug logging is enabled.
func (c RelayConfig) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// SideEffectJobTimeout bounds one side-effect job. It leaves a minute of
// headroom over DownloadTimeout so a download is never cut by the job
// deadline, and is at least two minutes.
func (c RelayConfig) SideEffectJobTimeout() time.Duration {
	timeout := c.DownloadTimeout + time.Minute
	if timeout < 2*time.Minute {
		timeout = 2 * time.Minute
	}
	return timeout
}

// LoadRelayConfig reads the current environment and loads config/<env>/chatrelay.ini
// on top of config/setting.ini. CHATRELAY_<KEY> environment variables win over both.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return strings.TrimSpace(firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key]))
	}

	cfg := RelayConfig{
		Environment:          s.Environment,
		HTTPAddress:          firstNonEmpty(get("http_address"), ":8090"),
		UpstreamBaseURL:      strings.TrimRight(get("upstream_base_url"), "/"),
		UpstreamAPIKey:       get("upstream_api_key"),
		RetryMax:             parseOptionalInt(get("retry_max"), 3),
		FileBaseURL:          get("file_base_url"),
		FilePathPrefix:       firstNonEmpty(get("file_path_prefix"), "/files/tools/"),
		FileCacheDir:         firstNonEmpty(get("file_cache_dir"), DefaultCacheDir()),
		PartialSweepSchedule: firstNonEmpty(get("partial_sweep_schedule"), "*/30 * * * *"),
		StoreDriver:          strings.ToLower(firstNonEmpty(get("store_driver"), "sqlite")),
		StorePath:            firstNonEmpty(get("store_path"), DefaultStorePath()),
		StoreDSN:             get("store_dsn"),
		StoreMaxOpenConns:    parseOptionalInt(get("store_max_open_conns"), 10),
		StoreMaxIdleConns:    parseOptionalInt(get("store_max_idle_conns"), 5),
		DispatcherWorkers:    parseOptionalInt(get("dispatcher_workers"), 4),
		DispatcherQueueSize:  parseOptionalInt(get("dispatcher_queue_size"), 256),
		SideEffectRulesFile:  get("side_effect_rules_file"),
		SideEffectExclusions: parseCSV(get("side_effect_exclusions")),
		LogFile:              get("log_file"),
		LogLevel:             strings.ToLower(firstNonEmpty(get("log_level"), "info")),
		MetricsEnabled:       parseOptionalBool(get("metrics_enabled"), true),
	}
	if get("partial_sweep_schedule") == "-" {
		cfg.PartialSweepSchedule = ""
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"retry_base_delay", time.Second, &cfg.RetryBaseDelay},
		{"download_timeout", 5 * time.Minute, &cfg.DownloadTimeout},
		{"partial_max_age", time.Hour, &cfg.PartialMaxAge},
	}
	for _, d := range durations {
		v, err := parseOptionalDuration(get(d.key), d.fallback)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s %q: %w", d.key, get(d.key), err)
		}
		*d.dst = v
	}
	if v := get("upload_max_bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return RelayConfig{}, fmt.Errorf("invalid upload_max_bytes %q", v)
		}
		cfg.UploadMaxBytes = n
	} else {
		cfg.UploadMaxBytes = 15 << 20
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate checks the settings the daemon cannot start without.
func (c RelayConfig) Validate() error {
	if c.UpstreamBaseURL == "" {
		return errors.New("upstream_base_url is required")
	}
	switch c.StoreDriver {
	case "sqlite":
		if c.StorePath == "" {
			return errors.New("store_path is required for sqlite")
		}
	case "postgres":
		if c.StoreDSN == "" {
			return errors.New("store_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid store_driver %q (want sqlite or postgres)", c.StoreDriver)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("invalid retry_max %d", c.RetryMax)
	}
	if c.DispatcherWorkers <= 0 {
		return fmt.Errorf("invalid dispatcher_workers %d", c.DispatcherWorkers)
	}
	if c.DispatcherQueueSize <= 0 {
		return fmt.Errorf("invalid dispatcher_queue_size %d", c.DispatcherQueueSize)
	}
	switch c.LogLevel {
	case "debug", "info":
	default:
		return fmt.Errorf("invalid log_level %q (want debug or info)", c.LogLevel)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		values = map[string]string{}
	} else if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DefaultStorePath returns the fallback sqlite location under the user's home directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatrelay.db"
	}
	return filepath.Join(home, ".chatrelay", "chatrelay.db")
}

// DefaultCacheDir returns the fallback file cache directory.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "files"
	}
	return filepath.Join(home, ".chatrelay", "files")
}
