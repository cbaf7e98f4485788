package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// LocalConfigName is the per-checkout config file searched for upwards from
// the working directory
const LocalConfigName = ".ruleset-build.toml"

// CI modes
const (
	CIAuto   = "auto"
	CIAlways = "always"
	CINever  = "never"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig            `toml:"general"`
	Prefetch      PrefetchConfig           `toml:"prefetch"`
	CI            CIConfig                 `toml:"ci"`
	Trace         TraceConfig              `toml:"trace"`
	Notifications NotificationsConfig      `toml:"notifications"`
	Builders      map[string]BuilderConfig `toml:"builders"`
	Schedule      []ScheduleConfig         `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RootDir             string   `toml:"root_dir"`
	PublicDir           string   `toml:"public_dir"`
	LockFile            string   `toml:"lock_file"`
	MaxParallelBuilders int      `toml:"max_parallel_builders"`
	HistoryDB           string   `toml:"history_db"`
	RemoveFiles         []string `toml:"remove_files"`
}

// PrefetchConfig holds the previous-build download settings
type PrefetchConfig struct {
	PrimaryURL  string   `toml:"primary_url"`
	FallbackURL string   `toml:"fallback_url"`
	UserAgent   string   `toml:"user_agent"`
	RetryMax    int      `toml:"retry_max"`
	Timeout     Duration `toml:"timeout"`
}

// CIConfig overrides CI detection
type CIConfig struct {
	Mode string `toml:"mode"`
}

// TraceConfig holds trace reporting settings
type TraceConfig struct {
	ReportPath string `toml:"report_path"`
	OtelStdout bool   `toml:"otel_stdout"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// BuilderConfig is the shell step behind a builder
type BuilderConfig struct {
	Command string            `toml:"command"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
}

// ScheduleConfig is a cron-triggered pipeline run
type ScheduleConfig struct {
	Name        string   `toml:"name"`
	Cron        string   `toml:"cron"`
	MaxDuration Duration `toml:"max_duration"`
}

// Duration is a time.Duration written as "10m" in TOML
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			RootDir:             ".",
			PublicDir:           "public",
			LockFile:            ".BUILD_FINISHED",
			MaxParallelBuilders: 0,
			HistoryDB:           filepath.Join(home, ".ruleset-build", "history.db"),
		},
		Prefetch: PrefetchConfig{
			PrimaryURL:  "https://codeload.github.com/sukkalab/ruleset.skk.moe/tar.gz/master",
			FallbackURL: "https://gitlab.com/SukkaW/ruleset.skk.moe/-/archive/master/ruleset.skk.moe-master.tar.gz",
			UserAgent:   "curl/8.12.1",
			RetryMax:    3,
			Timeout:     Duration{10 * time.Minute},
		},
		CI: CIConfig{
			Mode: CIAuto,
		},
		Builders: map[string]BuilderConfig{},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Expand paths
	cfg.General.RootDir = ExpandPath(cfg.General.RootDir)
	cfg.General.HistoryDB = ExpandPath(cfg.General.HistoryDB)
	cfg.Trace.ReportPath = ExpandPath(cfg.Trace.ReportPath)

	return cfg, nil
}

// LoadWithLocalFallback loads path if given, otherwise the nearest local
// config, otherwise the user config
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName. It returns "" if none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for values that can never work
func (c *Config) Validate() error {
	var errs []error

	if c.General.PublicDir == "" {
		errs = append(errs, errors.New("general.public_dir is required"))
	}
	if c.General.LockFile == "" {
		errs = append(errs, errors.New("general.lock_file is required"))
	}
	if c.General.MaxParallelBuilders < 0 {
		errs = append(errs, fmt.Errorf("general.max_parallel_builders must be >= 0, got %d", c.General.MaxParallelBuilders))
	}
	if c.Prefetch.PrimaryURL == "" {
		errs = append(errs, errors.New("prefetch.primary_url is required"))
	}
	if c.Prefetch.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("prefetch.retry_max must be >= 0, got %d", c.Prefetch.RetryMax))
	}
	switch c.CI.Mode {
	case "", CIAuto, CIAlways, CINever:
	default:
		errs = append(errs, fmt.Errorf("ci.mode must be auto, always or never, got %q", c.CI.Mode))
	}

	names := make([]string, 0, len(c.Builders))
	for name := range c.Builders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(c.Builders[name].Command) == "" {
			errs = append(errs, fmt.Errorf("builders.%s.command is required", name))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedule {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("schedule %d: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedule %d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %d: invalid cron expression %q: %w", i, s.Cron, err))
		}
	}

	return errors.Join(errs...)
}

// LockPath returns the completion marker location
func (c *Config) LockPath() string {
	return c.resolve(c.General.LockFile)
}

// PublicPath returns the output tree location
func (c *Config) PublicPath() string {
	return c.resolve(c.General.PublicDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.General.RootDir, p)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ruleset-build", "config.toml")
}
