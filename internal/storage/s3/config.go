package s3

import (
	"fmt"
	"time"
)

// Config represents the pattern store mirror configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// MaxRetries bounds both the SDK's own retries and whole-transfer retries
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Timeout applies to each transfer attempt
	Timeout time.Duration `yaml:"timeout"`

	// EnableCargoShip routes uploads through the CargoShip transporter and
	// falls back to a plain PutObject when it fails
	EnableCargoShip bool `yaml:"enable_cargoship"`
	Concurrency     int  `yaml:"concurrency"`
}

// NewDefaultConfig returns a configuration with defaults filled in
func NewDefaultConfig() *Config {
	return &Config{
		Key:         "iosched/iosched.patterns",
		Region:      "us-east-1",
		MaxRetries:  3,
		RetryDelay:  200 * time.Millisecond,
		Timeout:     30 * time.Second,
		Concurrency: 4,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if c.Key == "" {
		return fmt.Errorf("object key cannot be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
}
