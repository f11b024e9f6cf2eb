package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GrantTypeJWT is the OAuth grant type URN for the JWT bearer flow.
const GrantTypeJWT = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// GrantTypePassword is the OAuth grant type for the user/pass flow.
const GrantTypePassword = "password"

// Config is the root configuration.
type Config struct {
	Instances []InstanceConfig `yaml:"instances"`
	Cache     CacheConfig      `yaml:"cache"`
	Output    OutputConfig     `yaml:"output"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// InstanceConfig describes one Salesforce org to poll.
type InstanceConfig struct {
	Name                string              `yaml:"name"`
	TokenURL            string              `yaml:"token_url"`
	Auth                *AuthConfig         `yaml:"auth"`
	TimeLagMinutes      int                 `yaml:"time_lag_minutes"`
	GenerationInterval  string              `yaml:"generation_interval"`
	DateField           string              `yaml:"date_field"`
	APIVer              string              `yaml:"api_ver"`
	InitialDelayMinutes int                 `yaml:"initial_delay_minutes"`
	PollInterval        time.Duration       `yaml:"poll_interval"`
	Queries             []QueryConfig       `yaml:"queries"`
	EventTypeFields     map[string][]string `yaml:"event_type_fields"`
}

// AuthConfig holds OAuth grant parameters for one instance.
type AuthConfig struct {
	GrantType    string `yaml:"grant_type"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PrivateKey   string `yaml:"private_key"`
	Subject      string `yaml:"subject"`
	Audience     string `yaml:"audience"`
}

// QueryConfig is one SOQL template plus its per-query environment.
type QueryConfig struct {
	Template string         `yaml:"template"`
	Env      QueryEnvConfig `yaml:"env"`
}

// QueryEnvConfig carries the recognized per-query environment keys plus
// free-form template substitution variables.
type QueryEnvConfig struct {
	ID              []string          `yaml:"id"`
	EventType       string            `yaml:"event_type"`
	TimestampAttr   string            `yaml:"timestamp_attr"`
	RenameTimestamp string            `yaml:"rename_timestamp"`
	APIVer          string            `yaml:"api_ver"`
	Vars            map[string]string `yaml:"vars"`
}

// CacheConfig controls the Redis credential store and dedup ledger.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Expire    time.Duration `yaml:"expire"`
}

// OutputConfig controls where produced log batches are shipped.
type OutputConfig struct {
	Mode string           `yaml:"mode"`
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
}

// FileOutputConfig config for local JSONL output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// ConfigError reports a missing or invalid configuration field. It is
// fatal to startup for the affected instance.
type ConfigError struct {
	Instance string
	Field    string
}

func (e *ConfigError) Error() string {
	if e.Instance == "" {
		return fmt.Sprintf("missing required config field %q", e.Field)
	}
	return fmt.Sprintf("missing required config field %q for instance %q", e.Field, e.Instance)
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the per-instance required fields.
func (c *InstanceConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "name"}
	}
	if c.TimeLagMinutes <= 0 {
		return &ConfigError{Instance: c.Name, Field: "time_lag_minutes"}
	}
	if c.GenerationInterval == "" {
		return &ConfigError{Instance: c.Name, Field: "generation_interval"}
	}
	if c.DateField == "" {
		return &ConfigError{Instance: c.Name, Field: "date_field"}
	}
	return nil
}

// ResolveAuth returns the instance auth block, falling back to
// environment-sourced grant parameters when the block is absent, and
// validates the fields the selected flow requires.
func (c *InstanceConfig) ResolveAuth() (*AuthConfig, error) {
	auth := c.Auth
	if auth == nil {
		auth = &AuthConfig{
			GrantType:    os.Getenv("SFDC_GRANT_TYPE"),
			ClientID:     os.Getenv("SFDC_CLIENT_ID"),
			ClientSecret: os.Getenv("SFDC_CLIENT_SECRET"),
			Username:     os.Getenv("SFDC_USERNAME"),
			Password:     os.Getenv("SFDC_PASSWORD"),
			PrivateKey:   os.Getenv("SFDC_PRIVATE_KEY"),
			Subject:      os.Getenv("SFDC_SUBJECT"),
			Audience:     os.Getenv("SFDC_AUDIENCE"),
		}
	}

	switch auth.GrantType {
	case GrantTypePassword:
		for field, v := range map[string]string{
			"client_id":     auth.ClientID,
			"client_secret": auth.ClientSecret,
			"username":      auth.Username,
			"password":      auth.Password,
		} {
			if v == "" {
				return nil, &ConfigError{Instance: c.Name, Field: "auth." + field}
			}
		}
	case GrantTypeJWT:
		for field, v := range map[string]string{
			"client_id":   auth.ClientID,
			"private_key": auth.PrivateKey,
			"subject":     auth.Subject,
			"audience":    auth.Audience,
		} {
			if v == "" {
				return nil, &ConfigError{Instance: c.Name, Field: "auth." + field}
			}
		}
	default:
		return nil, &ConfigError{Instance: c.Name, Field: "auth.grant_type"}
	}

	return auth, nil
}

// ResolveTokenURL prefers the instance token_url and falls back to the
// environment.
func (c *InstanceConfig) ResolveTokenURL() (string, error) {
	if c.TokenURL != "" {
		return c.TokenURL, nil
	}
	if v := os.Getenv("SFDC_TOKEN_URL"); v != "" {
		return v, nil
	}
	return "", &ConfigError{Instance: c.Name, Field: "token_url"}
}
