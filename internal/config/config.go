// Package config provides configuration management for vmvault.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultBundleSuffix    = ".utm"
	DefaultImagingBinary   = "qemu-img"
	DefaultLogLevel        = "info"
	DefaultListenAddr      = "127.0.0.1:8420"
	DefaultCleanupAttempts = 5
	DefaultCleanupDelayMS  = 200
)

// DefaultConfigDir returns the default config directory (~/.vmvault).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".vmvault"), nil
}

// DefaultConfigPath returns the default config file path (~/.vmvault/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// ArchiverConfig selects the archive tool.
type ArchiverConfig struct {
	Format string `yaml:"format,omitempty"`
	Binary string `yaml:"binary,omitempty"`
}

// ControlConfig describes how VMs are started and stopped. Arguments may
// contain {name} and {id} placeholders.
type ControlConfig struct {
	Binary    string   `yaml:"binary,omitempty"`
	StartArgs []string `yaml:"start_args,omitempty"`
	StopArgs  []string `yaml:"stop_args,omitempty"`
}

// Schedule triggers a backup run on a cron expression. Its retention
// overrides the global policy field by field.
type Schedule struct {
	Name           string                  `yaml:"name"`
	Cron           string                  `yaml:"cron"`
	VMs            []string                `yaml:"vms,omitempty"`
	DestinationDir string                  `yaml:"destination_dir,omitempty"`
	Retention      *backup.RetentionPolicy `yaml:"retention,omitempty"`
}

// Config holds vmvault's settings.
type Config struct {
	DestinationDir        string                  `yaml:"destination_dir,omitempty"`
	LibraryDirs           []string                `yaml:"library_dirs,omitempty"`
	BundleSuffix          string                  `yaml:"bundle_suffix,omitempty"`
	LibvirtDefinitionsDir string                  `yaml:"libvirt_definitions_dir,omitempty"`
	Archiver              ArchiverConfig          `yaml:"archiver,omitempty"`
	ImagingBinary         string                  `yaml:"imaging_binary,omitempty"`
	Control               ControlConfig           `yaml:"control,omitempty"`
	LogLevel              string                  `yaml:"log_level,omitempty"`
	ListenAddr            string                  `yaml:"listen_addr,omitempty"`
	CheckFreeSpace        bool                    `yaml:"check_free_space,omitempty"`
	CleanupAttempts       int                     `yaml:"cleanup_attempts,omitempty"`
	CleanupDelayMS        int                     `yaml:"cleanup_delay_ms,omitempty"`
	RunHistory            int                     `yaml:"run_history,omitempty"`
	Retention             *backup.RetentionPolicy `yaml:"retention,omitempty"`
	Schedules             []Schedule              `yaml:"schedules,omitempty"`
}

// WithDefaults returns a copy of c with unset fields filled in and home
// directories expanded.
func (c Config) WithDefaults() Config {
	out := c
	if len(out.LibraryDirs) == 0 {
		out.LibraryDirs = defaultLibraryDirs()
	}
	if out.BundleSuffix == "" {
		out.BundleSuffix = DefaultBundleSuffix
	}
	if out.LibvirtDefinitionsDir == "" && runtime.GOOS == "linux" {
		out.LibvirtDefinitionsDir = "/etc/libvirt/qemu"
	}
	if out.ImagingBinary == "" {
		out.ImagingBinary = DefaultImagingBinary
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.ListenAddr == "" {
		out.ListenAddr = DefaultListenAddr
	}
	if out.CleanupAttempts <= 0 {
		out.CleanupAttempts = DefaultCleanupAttempts
	}
	if out.CleanupDelayMS <= 0 {
		out.CleanupDelayMS = DefaultCleanupDelayMS
	}

	out.DestinationDir = ExpandHome(out.DestinationDir)
	out.LibvirtDefinitionsDir = ExpandHome(out.LibvirtDefinitionsDir)
	dirs := make([]string, len(out.LibraryDirs))
	for i, d := range out.LibraryDirs {
		dirs[i] = ExpandHome(d)
	}
	out.LibraryDirs = dirs
	schedules := make([]Schedule, len(out.Schedules))
	for i, s := range out.Schedules {
		s.DestinationDir = ExpandHome(s.DestinationDir)
		schedules[i] = s
	}
	out.Schedules = schedules
	return out
}

// CleanupDelay returns the pause between cleanup attempts.
func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelayMS) * time.Millisecond
}

// Validate checks that the configuration has the fields required to run backups.
func (c *Config) Validate() error {
	if c.DestinationDir == "" {
		return errors.New("destination_dir is required")
	}
	if !strings.HasPrefix(c.BundleSuffix, ".") && c.BundleSuffix != "" {
		return fmt.Errorf("bundle_suffix %q must start with a dot", c.BundleSuffix)
	}
	switch c.Archiver.Format {
	case "", "ditto", "zip":
	default:
		return fmt.Errorf("archiver.format %q must be ditto or zip", c.Archiver.Format)
	}
	if c.Control.Binary == "" && (len(c.Control.StartArgs) > 0 || len(c.Control.StopArgs) > 0) {
		return errors.New("control.binary is required when control arguments are set")
	}
	if c.RunHistory < 0 {
		return errors.New("run_history cannot be negative")
	}
	if c.Retention != nil {
		if err := backup.ValidateRetentionPolicy(c.Retention); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}
	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Cron == "" {
			return fmt.Errorf("schedule %q: cron is required", s.Name)
		}
		if s.Retention != nil {
			if err := backup.ValidateRetentionPolicy(backup.MergeRetentionPolicy(c.Retention, s.Retention)); err != nil {
				return fmt.Errorf("schedule %q: retention: %w", s.Name, err)
			}
		}
	}
	return nil
}

// IsConfigured returns true if a destination has been chosen.
func (c *Config) IsConfigured() bool {
	return c.DestinationDir != ""
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *Config) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func defaultLibraryDirs() []string {
	if runtime.GOOS != "darwin" {
		return nil
	}
	return []string{"~/Library/Containers/com.utmapp.UTM/Data/Documents"}
}
