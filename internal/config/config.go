package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models taskgen.yml and TASKGEN_* environment overrides.
type Config struct {
	Database Database `mapstructure:"database" yaml:"database"`
	Server   Server   `mapstructure:"server" yaml:"server"`
	Scan     Scan     `mapstructure:"scan" yaml:"scan"`
	Rules    Rules    `mapstructure:"rules" yaml:"rules"`
	Log      Log      `mapstructure:"log" yaml:"log"`
	Cache    Cache    `mapstructure:"cache" yaml:"cache"`
}

type Database struct {
	Path         string        `mapstructure:"path" yaml:"path" validate:"required"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gte=0"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=1"`
}

type Server struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	BasePath string `mapstructure:"base_path" yaml:"base_path" validate:"required,startswith=/"`
}

type Scan struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=16"`
	Timezone    string        `mapstructure:"timezone" yaml:"timezone" validate:"required"`
	RunOnStart  bool          `mapstructure:"run_on_start" yaml:"run_on_start"`
}

type Rules struct {
	PerformanceWeekday   string `mapstructure:"performance_weekday" yaml:"performance_weekday" validate:"required,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	PerformanceStaleDays int    `mapstructure:"performance_stale_days" yaml:"performance_stale_days" validate:"gte=1"`
	PriceDay             int    `mapstructure:"price_day" yaml:"price_day" validate:"gte=1,lte=28"`
	PublishStatus        string `mapstructure:"publish_status" yaml:"publish_status" validate:"required"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

type Cache struct {
	ProjectNames   int64         `mapstructure:"project_names" yaml:"project_names" validate:"gte=0"`
	ProjectNameTTL time.Duration `mapstructure:"project_name_ttl" yaml:"project_name_ttl" validate:"gte=0"`
}

var defaults = map[string]any{
	"database.path":                "taskgen.db",
	"database.busy_timeout":        5 * time.Second,
	"database.max_open_conns":      1,
	"server.addr":                  "127.0.0.1:8080",
	"server.base_path":             "/v0",
	"scan.interval":                time.Hour,
	"scan.timeout":                 2 * time.Minute,
	"scan.concurrency":             1,
	"scan.timezone":                "UTC",
	"scan.run_on_start":            false,
	"rules.performance_weekday":    "monday",
	"rules.performance_stale_days": 7,
	"rules.price_day":              2,
	"rules.publish_status":         "scheduled",
	"log.level":                    "info",
	"log.format":                   "json",
	"cache.project_names":          1024,
	"cache.project_name_ttl":       5 * time.Minute,
}

// Load reads the optional config file at path, applies TASKGEN_* overrides and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("TASKGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config.%s fails %q (got %v)", strings.ToLower(fe.Namespace()[len("Config."):]), fe.Tag(), fe.Value())
		}
		return err
	}
	if _, err := time.LoadLocation(c.Scan.Timezone); err != nil {
		return fmt.Errorf("config.scan.timezone: %w", err)
	}
	return nil
}

// Location resolves scan.timezone; calendar days are evaluated in it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scan.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Weekday parses rules.performance_weekday.
func (r Rules) Weekday() time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), r.PerformanceWeekday) {
			return d
		}
	}
	return time.Monday
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
