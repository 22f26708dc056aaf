// Package config loads the daemon configuration from an optional YAML file
// and validates it against an embedded JSON Schema before use, so typos in
// key names fail at startup instead of silently using defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Zero or missing values fall back
// to the defaults applied by Normalize.
type Config struct {
	Listen          string `yaml:"listen" json:"listen"`
	DatabaseURL     string `yaml:"database_url" json:"database_url"`
	RemoteBaseURL   string `yaml:"remote_base_url" json:"remote_base_url"`
	CallbackBaseURL string `yaml:"callback_base_url" json:"callback_base_url"`
	TokenServiceURL string `yaml:"token_service_url" json:"token_service_url"`
	JobSecret       string `yaml:"job_secret" json:"job_secret"`
	JWTSecret       string `yaml:"jwt_secret" json:"jwt_secret"`

	SyncIntervalMinutes     int `yaml:"sync_interval_minutes" json:"sync_interval_minutes"`
	ChannelTTLHours         int `yaml:"channel_ttl_hours" json:"channel_ttl_hours"`
	RenewalLookaheadMinutes int `yaml:"renewal_lookahead_minutes" json:"renewal_lookahead_minutes"`
	HorizonLookaheadDays    int `yaml:"horizon_lookahead_days" json:"horizon_lookahead_days"`
	HorizonWindowDays       int `yaml:"horizon_window_days" json:"horizon_window_days"`

	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
}

// Scheduler holds the embedded cron schedule. Specs use the standard
// five-field cron syntax.
type Scheduler struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	SyncSpec    string `yaml:"sync_spec" json:"sync_spec"`
	RenewSpec   string `yaml:"renew_spec" json:"renew_spec"`
	SetupSpec   string `yaml:"setup_spec" json:"setup_spec"`
	ExtendSpec  string `yaml:"extend_spec" json:"extend_spec"`
	CleanupSpec string `yaml:"cleanup_spec" json:"cleanup_spec"`
}

const schemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"listen": {"type": "string"},
		"database_url": {"type": "string"},
		"remote_base_url": {"type": "string"},
		"callback_base_url": {"type": "string"},
		"token_service_url": {"type": "string"},
		"job_secret": {"type": "string"},
		"jwt_secret": {"type": "string"},
		"sync_interval_minutes": {"type": "integer", "minimum": 1},
		"channel_ttl_hours": {"type": "integer", "minimum": 1},
		"renewal_lookahead_minutes": {"type": "integer", "minimum": 1},
		"horizon_lookahead_days": {"type": "integer", "minimum": 1},
		"horizon_window_days": {"type": "integer", "minimum": 1},
		"scheduler": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"enabled": {"type": "boolean"},
				"sync_spec": {"type": "string"},
				"renew_spec": {"type": "string"},
				"setup_spec": {"type": "string"},
				"extend_spec": {"type": "string"},
				"cleanup_spec": {"type": "string"}
			}
		}
	}
}`

func Default() Config {
	return Config{
		Listen:                  ":8090",
		DatabaseURL:             "memory://",
		SyncIntervalMinutes:     30,
		ChannelTTLHours:         24 * 7,
		RenewalLookaheadMinutes: 60,
		HorizonLookaheadDays:    14,
		HorizonWindowDays:       56,
		Scheduler: Scheduler{
			Enabled:     true,
			SyncSpec:    "*/15 * * * *",
			RenewSpec:   "*/30 * * * *",
			SetupSpec:   "5 * * * *",
			ExtendSpec:  "10 3 * * *",
			CleanupSpec: "20 3 * * *",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := validate(raw); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// validate round-trips the YAML document through JSON and checks it against
// the embedded schema.
func validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		return nil
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalize() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = def.DatabaseURL
	}
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = def.SyncIntervalMinutes
	}
	if c.ChannelTTLHours <= 0 {
		c.ChannelTTLHours = def.ChannelTTLHours
	}
	if c.RenewalLookaheadMinutes <= 0 {
		c.RenewalLookaheadMinutes = def.RenewalLookaheadMinutes
	}
	if c.HorizonLookaheadDays <= 0 {
		c.HorizonLookaheadDays = def.HorizonLookaheadDays
	}
	if c.HorizonWindowDays <= 0 {
		c.HorizonWindowDays = def.HorizonWindowDays
	}
	if c.Scheduler.SyncSpec == "" {
		c.Scheduler.SyncSpec = def.Scheduler.SyncSpec
	}
	if c.Scheduler.RenewSpec == "" {
		c.Scheduler.RenewSpec = def.Scheduler.RenewSpec
	}
	if c.Scheduler.SetupSpec == "" {
		c.Scheduler.SetupSpec = def.Scheduler.SetupSpec
	}
	if c.Scheduler.ExtendSpec == "" {
		c.Scheduler.ExtendSpec = def.Scheduler.ExtendSpec
	}
	if c.Scheduler.CleanupSpec == "" {
		c.Scheduler.CleanupSpec = def.Scheduler.CleanupSpec
	}
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

func (c Config) ChannelTTL() time.Duration {
	return time.Duration(c.ChannelTTLHours) * time.Hour
}

func (c Config) RenewalLookahead() time.Duration {
	return time.Duration(c.RenewalLookaheadMinutes) * time.Minute
}

func (c Config) HorizonLookahead() time.Duration {
	return time.Duration(c.HorizonLookaheadDays) * 24 * time.Hour
}

func (c Config) HorizonWindow() time.Duration {
	return time.Duration(c.HorizonWindowDays) * 24 * time.Hour
}
