// Package config builds the launch configuration from defaults, an
// optional fuzzbox.yaml, FUZZBOX_* environment variables and command-line
// flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Defaults. The container-side values mirror what the autobahn-testsuite
// image expects; the image is pinned so repeated runs stay reproducible.
const (
	DefaultPort          = 9001
	DefaultImage         = "crossbario/autobahn-testsuite:0.8.2"
	DefaultInstanceName  = "fuzzingserver"
	DefaultContainerPort = 9001
	DefaultConfigMount   = "/config"
	DefaultReportMount   = "/reports"
	DefaultStopTimeout   = 10 * time.Second
)

// instanceNamePattern matches what the engine accepts as a container name.
var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// executable is stubbed in tests.
var executable = os.Executable

// Config is the full launcher configuration.
type Config struct {
	Port          uint16        `mapstructure:"port"`
	Image         string        `mapstructure:"image"`
	InstanceName  string        `mapstructure:"name"`
	ConfigDir     string        `mapstructure:"config_dir"`
	ReportDir     string        `mapstructure:"report_dir"`
	ContainerPort uint16        `mapstructure:"container_port"`
	ConfigMount   string        `mapstructure:"config_mount"`
	ReportMount   string        `mapstructure:"report_mount"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// Load resolves the configuration from viper's current state. Empty host
// directories resolve to config/ and reports/ next to the launcher binary,
// never the caller's working directory, so the tool behaves identically
// from anywhere.
func Load() (*Config, error) {
	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("image", DefaultImage)
	viper.SetDefault("name", DefaultInstanceName)
	viper.SetDefault("config_dir", "")
	viper.SetDefault("report_dir", "")
	viper.SetDefault("container_port", DefaultContainerPort)
	viper.SetDefault("config_mount", DefaultConfigMount)
	viper.SetDefault("report_mount", DefaultReportMount)
	viper.SetDefault("stop_timeout", DefaultStopTimeout)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.ConfigDir == "" || cfg.ReportDir == "" {
		base, err := executableDir()
		if err != nil {
			return nil, fmt.Errorf("unable to resolve launcher location: %w", err)
		}
		if cfg.ConfigDir == "" {
			cfg.ConfigDir = filepath.Join(base, "config")
		}
		if cfg.ReportDir == "" {
			cfg.ReportDir = filepath.Join(base, "reports")
		}
	}

	for _, dir := range []*string{&cfg.ConfigDir, &cfg.ReportDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve path %s: %w", *dir, err)
		}
		*dir = abs
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port == 0 {
		return fmt.Errorf("port must be set")
	}
	if c.ContainerPort == 0 {
		return fmt.Errorf("container_port must be set")
	}
	if c.Image == "" {
		return fmt.Errorf("image must be set")
	}
	if !instanceNamePattern.MatchString(c.InstanceName) {
		return fmt.Errorf("name %q is not a valid instance name", c.InstanceName)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	return nil
}

// executableDir returns the directory holding the launcher binary, with
// symlinks resolved so installs via a linked bin dir still anchor next to
// the real location.
func executableDir() (string, error) {
	exe, err := executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
