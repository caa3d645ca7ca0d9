package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr               string
	DataDir            string
	TemplatesDir       string
	DefaultDeviceGroup string
	DefaultQueue       string
	Queues             []string
	Workers            int
	PollInterval       time.Duration
	LeaseDuration      time.Duration
	BuilderCmd         string
	BuilderArgs        []string
	BuildTimeout       time.Duration
	LogSourceURL       string
}

// fileConfig is the YAML shape of an IMAGER_CONFIG file. Durations are Go
// duration strings ("30s", "1h").
type fileConfig struct {
	Addr               string   `yaml:"addr"`
	DataDir            string   `yaml:"data_dir"`
	TemplatesDir       string   `yaml:"templates_dir"`
	DefaultDeviceGroup string   `yaml:"default_device_group"`
	DefaultQueue       string   `yaml:"default_queue"`
	Queues             []string `yaml:"queues"`
	Workers            int      `yaml:"workers"`
	PollInterval       string   `yaml:"poll_interval"`
	LeaseDuration      string   `yaml:"lease_duration"`
	BuilderCmd         string   `yaml:"builder_cmd"`
	BuilderArgs        []string `yaml:"builder_args"`
	BuildTimeout       string   `yaml:"build_timeout"`
	LogSourceURL       string   `yaml:"log_source_url"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// IMAGER_CONFIG, and finally IMAGER_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Config{
		Addr:               ":8080",
		DataDir:            "data",
		TemplatesDir:       "templates",
		DefaultDeviceGroup: "devicegroup:default",
		DefaultQueue:       "web",
		Workers:            2,
		PollInterval:       5 * time.Second,
		LeaseDuration:      time.Hour,
		BuilderCmd:         "img-build",
		BuildTimeout:       30 * time.Minute,
	}

	if path := os.Getenv("IMAGER_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = getenv("IMAGER_ADDR", cfg.Addr)
	cfg.DataDir = getenv("IMAGER_DATA_DIR", cfg.DataDir)
	cfg.TemplatesDir = getenv("IMAGER_TEMPLATES_DIR", cfg.TemplatesDir)
	cfg.DefaultDeviceGroup = getenv("IMAGER_DEVICEGROUP", cfg.DefaultDeviceGroup)
	cfg.DefaultQueue = getenv("IMAGER_DEFAULT_QUEUE", cfg.DefaultQueue)
	cfg.Queues = getenvCSV("IMAGER_QUEUES", cfg.Queues)
	cfg.Workers = getenvInt("IMAGER_WORKERS", cfg.Workers)
	cfg.PollInterval = getenvDuration("IMAGER_POLL_INTERVAL", cfg.PollInterval)
	cfg.LeaseDuration = getenvDuration("IMAGER_LEASE_DURATION", cfg.LeaseDuration)
	cfg.BuilderCmd = getenv("IMAGER_BUILDER_CMD", cfg.BuilderCmd)
	cfg.BuildTimeout = getenvDuration("IMAGER_BUILD_TIMEOUT", cfg.BuildTimeout)
	cfg.LogSourceURL = getenv("IMAGER_LOG_SOURCE_URL", cfg.LogSourceURL)

	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{cfg.DefaultQueue}
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.TemplatesDir != "" {
		cfg.TemplatesDir = fc.TemplatesDir
	}
	if fc.DefaultDeviceGroup != "" {
		cfg.DefaultDeviceGroup = fc.DefaultDeviceGroup
	}
	if fc.DefaultQueue != "" {
		cfg.DefaultQueue = fc.DefaultQueue
	}
	if len(fc.Queues) > 0 {
		cfg.Queues = fc.Queues
	}
	if fc.Workers > 0 {
		cfg.Workers = fc.Workers
	}
	if fc.BuilderCmd != "" {
		cfg.BuilderCmd = fc.BuilderCmd
	}
	if len(fc.BuilderArgs) > 0 {
		cfg.BuilderArgs = fc.BuilderArgs
	}
	if fc.LogSourceURL != "" {
		cfg.LogSourceURL = fc.LogSourceURL
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.PollInterval, &cfg.PollInterval},
		{fc.LeaseDuration, &cfg.LeaseDuration},
		{fc.BuildTimeout, &cfg.BuildTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		*d.dst = v
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
