package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
	"github.com/objectfs/iosched/pkg/utils"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "IOSCHED_"

// Configuration represents the complete engine configuration
type Configuration struct {
	Global          GlobalConfig          `yaml:"global"`
	Scheduler       SchedulerConfig       `yaml:"scheduler"`
	PatternMatching PatternMatchingConfig `yaml:"pattern_matching"`
	Bandit          BanditConfig          `yaml:"bandit"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// SchedulerConfig configures the request cache and the scheduling loop.
type SchedulerConfig struct {
	DefaultPolicy      string        `yaml:"default_policy"`
	HashBuckets        int           `yaml:"hash_buckets"`
	MaxOutstanding     int64         `yaml:"max_outstanding"`
	MaxAggregationSize string        `yaml:"max_aggregation_size"`
	SelectionPeriod    time.Duration `yaml:"selection_period"`
	TrackReleases      bool          `yaml:"track_releases"`
	TWINS              TWINSConfig   `yaml:"twins"`
}

// TWINSConfig configures the TWINS policy.
type TWINSConfig struct {
	Window time.Duration `yaml:"window"`
	Queues int           `yaml:"queues"`
}

// PatternMatchingConfig configures pattern tracking, matching and its state file.
type PatternMatchingConfig struct {
	Enabled         bool         `yaml:"enabled"`
	StaticMode      bool         `yaml:"static_mode"`
	MinPatternSize  int          `yaml:"min_pattern_size"`
	MatchThreshold  int          `yaml:"match_threshold"`
	MaxDifference   int          `yaml:"max_difference"`
	DTWRadius       int          `yaml:"dtw_radius"`
	OffsetUnit      int64        `yaml:"offset_unit"`
	MaxTrackedFiles int          `yaml:"max_tracked_files"`
	MaxMeasurements int          `yaml:"max_measurements"`
	StateFile       string       `yaml:"state_file"`
	Mirror          MirrorConfig `yaml:"mirror"`
}

// MirrorConfig configures the optional S3 copy of the state file.
type MirrorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Key             string        `yaml:"key"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	EnableCargoShip bool          `yaml:"enable_cargoship"`
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
}

// BanditConfig configures the fallback policy selector.
type BanditConfig struct {
	Exploration     float64 `yaml:"exploration"`
	MinObservations int     `yaml:"min_observations"`
	Alpha           float64 `yaml:"alpha"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Scheduler: SchedulerConfig{
			DefaultPolicy:      "NOOP",
			HashBuckets:        256,
			MaxOutstanding:     0,
			MaxAggregationSize: "8MiB",
			SelectionPeriod:    500 * time.Millisecond,
			TrackReleases:      false,
			TWINS: TWINSConfig{
				Window: 125 * time.Microsecond,
				Queues: 8,
			},
		},
		PatternMatching: PatternMatchingConfig{
			Enabled:         true,
			StaticMode:      false,
			MinPatternSize:  5,
			MatchThreshold:  80,
			MaxDifference:   10,
			DTWRadius:       1,
			OffsetUnit:      4096,
			MaxTrackedFiles: 256,
			MaxMeasurements: 5,
			StateFile:       "iosched.patterns",
			Mirror: MirrorConfig{
				Region:     "us-east-1",
				Key:        "iosched/iosched.patterns",
				MaxRetries: 3,
				Timeout:    30 * time.Second,
			},
		},
		Bandit: BanditConfig{
			Exploration:     1.5,
			MinObservations: 1,
			Alpha:           0.3,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "iosched",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fileError(errors.ErrCodeConfigLoad, "failed to read config file", filename, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fileError(errors.ErrCodeConfigLoad, "failed to parse config file", filename, err)
	}

	return nil
}

// LoadFromEnv applies IOSCHED_* environment overrides. Unparsable numeric
// values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	num := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FILE", &c.Global.LogFile)
	str("LOG_FORMAT", &c.Global.LogFormat)

	str("DEFAULT_POLICY", &c.Scheduler.DefaultPolicy)
	num("HASH_BUCKETS", &c.Scheduler.HashBuckets)
	str("MAX_AGGREGATION_SIZE", &c.Scheduler.MaxAggregationSize)
	dur("SELECTION_PERIOD", &c.Scheduler.SelectionPeriod)
	flag("TRACK_RELEASES", &c.Scheduler.TrackReleases)
	dur("TWINS_WINDOW", &c.Scheduler.TWINS.Window)
	num("TWINS_QUEUES", &c.Scheduler.TWINS.Queues)
	if val := os.Getenv(EnvPrefix + "MAX_OUTSTANDING"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sMAX_OUTSTANDING=%q", EnvPrefix, val))
		} else {
			c.Scheduler.MaxOutstanding = n
		}
	}

	flag("PATTERN_MATCHING", &c.PatternMatching.Enabled)
	flag("STATIC_MODE", &c.PatternMatching.StaticMode)
	num("MIN_PATTERN_SIZE", &c.PatternMatching.MinPatternSize)
	num("MATCH_THRESHOLD", &c.PatternMatching.MatchThreshold)
	num("MAX_DIFFERENCE", &c.PatternMatching.MaxDifference)
	num("DTW_RADIUS", &c.PatternMatching.DTWRadius)
	str("STATE_FILE", &c.PatternMatching.StateFile)
	flag("MIRROR_ENABLED", &c.PatternMatching.Mirror.Enabled)
	str("MIRROR_BUCKET", &c.PatternMatching.Mirror.Bucket)
	str("MIRROR_KEY", &c.PatternMatching.Mirror.Key)
	str("MIRROR_REGION", &c.PatternMatching.Mirror.Region)
	str("MIRROR_ENDPOINT", &c.PatternMatching.Mirror.Endpoint)

	flag("METRICS_ENABLED", &c.Metrics.Enabled)
	num("METRICS_PORT", &c.Metrics.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, ", "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fileError(errors.ErrCodeConfigSave, "failed to marshal config", filename, err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fileError(errors.ErrCodeConfigSave, "failed to create config directory", filename, err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fileError(errors.ErrCodeConfigSave, "failed to write config file", filename, err)
	}

	return nil
}

func fileError(code errors.ErrorCode, msg, filename string, cause error) error {
	return errors.New(code, msg).WithComponent("config").WithDetail("file", filename).WithCause(cause)
}

// StartingPolicy returns the parsed default policy.
func (c *Configuration) StartingPolicy() (types.PolicyID, error) {
	return types.ParsePolicy(c.Scheduler.DefaultPolicy)
}

// AggregationLimit returns max_aggregation_size in bytes. Zero disables aggregation.
func (c *Configuration) AggregationLimit() (int64, error) {
	if strings.TrimSpace(c.Scheduler.MaxAggregationSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Scheduler.MaxAggregationSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_aggregation_size %q: %w", c.Scheduler.MaxAggregationSize, err)
	}
	return int64(n), nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	s := c.Scheduler
	if _, err := c.StartingPolicy(); err != nil {
		return fmt.Errorf("invalid default_policy: %w", err)
	}
	if s.HashBuckets <= 0 || s.HashBuckets > 1<<16 || s.HashBuckets&(s.HashBuckets-1) != 0 {
		return fmt.Errorf("hash_buckets must be a power of two between 1 and 65536, got %d", s.HashBuckets)
	}
	if s.MaxOutstanding < 0 {
		return fmt.Errorf("max_outstanding must not be negative")
	}
	if _, err := c.AggregationLimit(); err != nil {
		return err
	}
	if s.SelectionPeriod <= 0 {
		return fmt.Errorf("selection_period must be greater than 0")
	}
	if s.TWINS.Window <= 0 {
		return fmt.Errorf("twins.window must be greater than 0")
	}
	if s.TWINS.Queues <= 0 {
		return fmt.Errorf("twins.queues must be greater than 0")
	}

	p := c.PatternMatching
	if p.MatchThreshold < 0 || p.MatchThreshold > 100 {
		return fmt.Errorf("match_threshold must be between 0 and 100, got %d", p.MatchThreshold)
	}
	if p.MaxDifference < 0 {
		return fmt.Errorf("max_difference must not be negative")
	}
	if p.MinPatternSize < 0 {
		return fmt.Errorf("min_pattern_size must not be negative")
	}
	if p.DTWRadius <= 0 {
		return fmt.Errorf("dtw_radius must be greater than 0")
	}
	if p.OffsetUnit <= 0 {
		return fmt.Errorf("offset_unit must be greater than 0")
	}
	if p.MaxTrackedFiles <= 0 {
		return fmt.Errorf("max_tracked_files must be greater than 0")
	}
	if p.MaxMeasurements <= 0 {
		return fmt.Errorf("max_measurements must be greater than 0")
	}
	if p.Mirror.Enabled && p.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket is required when the mirror is enabled")
	}

	b := c.Bandit
	if b.Exploration < 0 {
		return fmt.Errorf("bandit.exploration must not be negative")
	}
	if b.Alpha <= 0 || b.Alpha > 1 {
		return fmt.Errorf("bandit.alpha must be in (0, 1], got %g", b.Alpha)
	}
	if b.MinObservations < 0 {
		return fmt.Errorf("bandit.min_observations must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}
