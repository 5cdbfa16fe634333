package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"taskgen/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "taskgen.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Scan.Interval)
	assert.Equal(t, time.Monday, cfg.Rules.Weekday())
	assert.Equal(t, 2, cfg.Rules.PriceDay)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgen.yml")
	body := `database:
  path: /tmp/tasks.db
scan:
  interval: 15m
  timezone: Asia/Shanghai
rules:
  performance_weekday: friday
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("TASKGEN_RULES_PRICE_DAY", "5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tasks.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Scan.Interval)
	assert.Equal(t, time.Friday, cfg.Rules.Weekday())
	assert.Equal(t, 5, cfg.Rules.PriceDay)
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"price day":   func(c *config.Config) { c.Rules.PriceDay = 31 },
		"weekday":     func(c *config.Config) { c.Rules.PerformanceWeekday = "someday" },
		"timezone":    func(c *config.Config) { c.Scan.Timezone = "Mars/Olympus" },
		"base path":   func(c *config.Config) { c.Server.BasePath = "v0" },
		"concurrency": func(c *config.Config) { c.Scan.Concurrency = 0 },
		"log level":   func(c *config.Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := config.Default()
	data, err := cfg.YAML()
	require.NoError(t, err)
	var back config.Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg.Scan, back.Scan)
	assert.Equal(t, cfg.Rules, back.Rules)
}
