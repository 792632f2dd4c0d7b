package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultAPIURL      = "https://www.wikidata.org/w/api.php"
	DefaultStream      = "wikidata"
	defaultUserAgent   = "dstream-ingester-wikibase/1.0 (+https://github.com/katasec/dstream-ingester-wikibase)"
	defaultMaxBatch    = 500
	defaultMaxPages    = 20
	defaultWorkers     = 8
	defaultMaxLag      = 5
	defaultRPS         = 10
	defaultMaxMessage  = 256 * 1024
	defaultRetryBudget = 100
)

// Config holds the configuration for the Wikibase change-capture ingester.
// It can be read from an HCL file, a JSON object (plugin hosts), and the
// environment.
type Config struct {
	Stream            string  `hcl:"stream,optional" json:"stream"`                           // Stream name, keys the cursor and the lock
	APIURL            string  `hcl:"api_url,optional" json:"api_url"`                         // api.php endpoint
	EntityDataURL     string  `hcl:"entity_data_url,optional" json:"entity_data_url"`         // Special:EntityData base, derived from api_url when empty
	UserAgent         string  `hcl:"user_agent,optional" json:"user_agent"`                   // Sent with every request
	Namespaces        []int   `hcl:"namespaces,optional" json:"namespaces"`                   // Entity namespaces to capture
	BatchSize         int     `hcl:"batch_size,optional" json:"batch_size"`                   // Smallest page size the batch sizer may pick
	MaxBatchSize      int     `hcl:"max_batch_size,optional" json:"max_batch_size"`           // Largest page size (rclimit)
	PollInterval      string  `hcl:"poll_interval,optional" json:"poll_interval"`             // Sleep once caught up (e.g., "5s")
	MaxPollInterval   string  `hcl:"max_poll_interval,optional" json:"max_poll_interval"`     // Maximum backoff interval (e.g., "1m")
	WindowMargin      string  `hcl:"window_margin,optional" json:"window_margin"`             // Backwards widening of every window
	StartTime         string  `hcl:"start_time,optional" json:"start_time"`                   // RFC3339 start for a new stream
	MaxPagesPerCycle  int     `hcl:"max_pages_per_cycle,optional" json:"max_pages_per_cycle"` // Catch-up paging limit per cycle
	FetchWorkers      int     `hcl:"fetch_workers,optional" json:"fetch_workers"`             // Concurrent entity fetches
	RequestTimeout    string  `hcl:"request_timeout,optional" json:"request_timeout"`         // Per HTTP request
	RequestsPerSecond float64 `hcl:"requests_per_second,optional" json:"requests_per_second"` // Client throttle, 0 disables
	MaxLag            int     `hcl:"maxlag,optional" json:"maxlag"`                           // MediaWiki maxlag parameter
	LogLevel          string  `hcl:"log_level,optional" json:"log_level"`
	LogFormat         string  `hcl:"log_format,optional" json:"log_format"` // "json" or text

	Retry      *RetryConfig      `hcl:"retry,block" json:"retry"`
	Checkpoint *CheckpointConfig `hcl:"checkpoint,block" json:"checkpoint"`
	Lock       *LockConfig       `hcl:"lock,block" json:"lock"`
	Sink       *SinkConfig       `hcl:"sink,block" json:"sink"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics"`
}

// RetryConfig bounds retries of remote calls
type RetryConfig struct {
	Attempts int    `hcl:"attempts,optional" json:"attempts"`
	Delay    string `hcl:"delay,optional" json:"delay"`
	MaxDelay string `hcl:"max_delay,optional" json:"max_delay"`
	Budget   int    `hcl:"budget,optional" json:"budget"` // Retries allowed per cycle before aborting
}

// CheckpointConfig selects where the cursor is committed
type CheckpointConfig struct {
	Driver string `hcl:"driver,optional" json:"driver"` // sqlserver, sqlite or pgx
	DSN    string `hcl:"dsn,optional" json:"dsn"`
	Table  string `hcl:"table,optional" json:"table"`
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `hcl:"type,optional" json:"type"`                           // Lock provider type ("azure_blob" or "none")
	ConnectionString string `hcl:"connection_string,optional" json:"connection_string"` // Connection string for the lock provider
	ContainerName    string `hcl:"container_name,optional" json:"container_name"`       // Name of the container used for lock files
}

// SinkConfig selects the publisher batches are delivered to
type SinkConfig struct {
	Type             string `hcl:"type,optional" json:"type"` // servicebus, nats, plugin or log
	ConnectionString string `hcl:"connection_string,optional" json:"connection_string"`
	Queue            string `hcl:"queue,optional" json:"queue"`
	Subject          string `hcl:"subject,optional" json:"subject"`
	URL              string `hcl:"url,optional" json:"url"`
	PluginPath       string `hcl:"plugin_path,optional" json:"plugin_path"`
	MaxMessageSize   int    `hcl:"max_message_size,optional" json:"max_message_size"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen"`
}

// envOverrides are applied on top of the file or map configuration.
// Unset variables leave the configured value alone.
type envOverrides struct {
	APIURL               string `env:"WIKIBASE_CDC_API_URL"`
	CheckpointDSN        string `env:"WIKIBASE_CDC_CHECKPOINT_DSN"`
	LockConnectionString string `env:"WIKIBASE_CDC_LOCK_CONNECTION_STRING"`
	SinkConnectionString string `env:"WIKIBASE_CDC_SINK_CONNECTION_STRING"`
	SinkURL              string `env:"WIKIBASE_CDC_SINK_URL"`
	LogLevel             string `env:"WIKIBASE_CDC_LOG_LEVEL"`
	MetricsListen        string `env:"WIKIBASE_CDC_METRICS_LISTEN"`
}

// LoadFile reads an HCL (or HCL JSON) file, applies environment overrides
// and defaults, and validates the result.
func LoadFile(filename string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(filename, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return finish(&cfg)
}

// LoadConfigFromJSON loads configuration from JSON input
func LoadConfigFromJSON(jsonData []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return finish(&cfg)
}

// FromMap decodes a generic map, such as structpb.Struct.AsMap().
func FromMap(m map[string]interface{}) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config map: %w", err)
	}
	return LoadConfigFromJSON(data)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	c.ensureBlocks()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.APIURL, o.APIURL)
	set(&c.Checkpoint.DSN, o.CheckpointDSN)
	set(&c.Lock.ConnectionString, o.LockConnectionString)
	set(&c.Sink.ConnectionString, o.SinkConnectionString)
	set(&c.Sink.URL, o.SinkURL)
	set(&c.LogLevel, o.LogLevel)
	set(&c.Metrics.Listen, o.MetricsListen)
	return nil
}

func (c *Config) ensureBlocks() {
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	if c.Lock == nil {
		c.Lock = &LockConfig{}
	}
	if c.Sink == nil {
		c.Sink = &SinkConfig{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}

func (c *Config) applyDefaults() {
	c.ensureBlocks()

	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.EntityDataURL == "" {
		c.EntityDataURL = entityDataURLFor(c.APIURL)
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if len(c.Namespaces) == 0 {
		c.Namespaces = []int{0, 120}
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatch
	}
	if c.MaxPagesPerCycle <= 0 {
		c.MaxPagesPerCycle = defaultMaxPages
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = defaultWorkers
	}
	if c.MaxLag == 0 {
		c.MaxLag = defaultMaxLag
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = defaultRPS
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Retry.Budget == 0 {
		c.Retry.Budget = defaultRetryBudget
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite"
	}
	if c.Checkpoint.DSN == "" && c.Checkpoint.Driver == "sqlite" {
		c.Checkpoint.DSN = "file:wikibase_cdc.db"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "none"
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "log"
	}
	if c.Sink.MaxMessageSize <= 0 {
		c.Sink.MaxMessageSize = defaultMaxMessage
	}
	if c.Sink.Subject == "" {
		c.Sink.Subject = "wikibase." + c.Stream
	}
}

// entityDataURLFor maps .../w/api.php to .../wiki/Special:EntityData/.
func entityDataURLFor(apiURL string) string {
	base := strings.TrimSuffix(apiURL, "/api.php")
	base = strings.TrimSuffix(base, "/w")
	return base + "/wiki/Special:EntityData/"
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	c.ensureBlocks()
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_url %q is not an absolute URL", c.APIURL)
	}
	if c.BatchSize < 0 || (c.BatchSize > 0 && c.BatchSize > c.MaxBatchSize) {
		return fmt.Errorf("batch_size must be between 1 and max_batch_size (%d)", c.MaxBatchSize)
	}
	if c.FetchWorkers > 64 {
		return fmt.Errorf("fetch_workers must be at most 64, got %d", c.FetchWorkers)
	}

	for name, value := range map[string]string{
		"poll_interval":     c.PollInterval,
		"max_poll_interval": c.MaxPollInterval,
		"window_margin":     c.WindowMargin,
		"request_timeout":   c.RequestTimeout,
		"retry.delay":       c.Retry.Delay,
		"retry.max_delay":   c.Retry.MaxDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := c.GetStartTime(); err != nil {
		return err
	}

	switch c.Checkpoint.Driver {
	case "sqlserver", "sqlite", "pgx":
	default:
		return fmt.Errorf("unsupported checkpoint driver: %s", c.Checkpoint.Driver)
	}
	if c.Checkpoint.DSN == "" {
		return fmt.Errorf("checkpoint.dsn is required for driver %s", c.Checkpoint.Driver)
	}

	switch c.Lock.Type {
	case "none":
	case "azure_blob":
		if c.Lock.ConnectionString == "" || c.Lock.ContainerName == "" {
			return fmt.Errorf("lock type azure_blob needs connection_string and container_name")
		}
	default:
		return fmt.Errorf("unsupported lock type: %s", c.Lock.Type)
	}

	switch c.Sink.Type {
	case "log":
	case "servicebus":
		if c.Sink.ConnectionString == "" || c.Sink.Queue == "" {
			return fmt.Errorf("sink type servicebus needs connection_string and queue")
		}
	case "nats":
		if c.Sink.URL == "" {
			return fmt.Errorf("sink type nats needs url")
		}
	case "plugin":
		if c.Sink.PluginPath == "" {
			return fmt.Errorf("sink type plugin needs plugin_path")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", c.Sink.Type)
	}

	return nil
}

// GetPollInterval returns the PollInterval as a time.Duration
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOrDefault(c.PollInterval, 5*time.Second)
}

// GetMaxPollInterval returns the MaxPollInterval as a time.Duration
func (c *Config) GetMaxPollInterval() time.Duration {
	return parseDurationOrDefault(c.MaxPollInterval, time.Minute)
}

// GetWindowMargin returns the WindowMargin as a time.Duration
func (c *Config) GetWindowMargin() time.Duration {
	return parseDurationOrDefault(c.WindowMargin, 10*time.Second)
}

// GetRequestTimeout returns the RequestTimeout as a time.Duration
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDurationOrDefault(c.RequestTimeout, 30*time.Second)
}

// GetStartTime parses StartTime; empty means the zero time.
func (c *Config) GetStartTime() (time.Time, error) {
	if c.StartTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_time: %w", err)
	}
	return t, nil
}

// GetRetryAttempts returns the retry attempt ceiling
func (c *Config) GetRetryAttempts() int {
	if c.Retry == nil || c.Retry.Attempts <= 0 {
		return 5
	}
	return c.Retry.Attempts
}

// GetRetryDelay returns the initial retry backoff
func (c *Config) GetRetryDelay() time.Duration {
	if c.Retry == nil {
		return time.Second
	}
	return parseDurationOrDefault(c.Retry.Delay, time.Second)
}

// GetRetryMaxDelay returns the retry backoff cap
func (c *Config) GetRetryMaxDelay() time.Duration {
	if c.Retry == nil {
		return 30 * time.Second
	}
	return parseDurationOrDefault(c.Retry.MaxDelay, 30*time.Second)
}

// GetRetryBudget returns the per-cycle retry budget. A negative budget in
// the configuration disables it and yields 0.
func (c *Config) GetRetryBudget() int {
	if c.Retry == nil || c.Retry.Budget < 0 {
		return 0
	}
	return c.Retry.Budget
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
