// ============================================================================
// alertqueue 配置 - YAML Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load, default and validate the scheduler configuration
//
// Sections:
//   general   - process type, logging
//   scheduler - loop period, cleanup thresholds, queue-length alerting
//   inbox     - where alerts arrive (unix socket or spool directory)
//   notify    - operator mail transport and failure-alert throttling
//   status    - optional HTTP status server and gRPC health endpoint
//
// Durations accept Go duration strings ("100ms", "1h").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "configs/alertqueue.yaml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Inbox kinds.
const (
	InboxSocket = "socket"
	InboxSpool  = "spool"
)

// Config represents the complete configuration file.
type Config struct {
	General struct {
		ProcessType   string `yaml:"process_type"`
		LogDirectory  string `yaml:"log_directory"`
		LogLevel      string `yaml:"log_level"`
		Verbose       bool   `yaml:"verbose"`
		PrintToStdout bool   `yaml:"print_to_stdout"`
	} `yaml:"general"`

	Scheduler struct {
		Sleep         time.Duration `yaml:"sleep"`
		MaxComplete   int           `yaml:"max_complete"`
		MaxFrac       float64       `yaml:"max_frac"`
		WarnThreshold int           `yaml:"warn_threshold"`
		WarnDelay     time.Duration `yaml:"warn_delay"`
		MaxWarn       int           `yaml:"max_warn"`
		Recipients    []string      `yaml:"recipients"`
		Restore       string        `yaml:"restore"`
	} `yaml:"scheduler"`

	Inbox struct {
		Kind     string `yaml:"kind"`
		Socket   string `yaml:"socket"`
		SpoolDir string `yaml:"spool_dir"`
	} `yaml:"inbox"`

	Notify struct {
		MailProgram          string  `yaml:"mail_program"`
		FailureAlertsPerHour float64 `yaml:"failure_alerts_per_hour"`
		FailureAlertBurst    int     `yaml:"failure_alert_burst"`
	} `yaml:"notify"`

	Status struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"status"`

	// Path is the file the config was read from; empty for Default().
	Path string `yaml:"-"`
}

// Default returns a config holding every default value.
func Default() *Config {
	cfg := &Config{}
	cfg.General.ProcessType = "test"
	cfg.General.LogDirectory = "."
	cfg.General.LogLevel = "debug"
	cfg.General.Verbose = true

	cfg.Scheduler.Sleep = 100 * time.Millisecond
	cfg.Scheduler.MaxComplete = 100
	cfg.Scheduler.MaxFrac = 0.5
	cfg.Scheduler.WarnThreshold = 1000
	cfg.Scheduler.WarnDelay = time.Hour
	cfg.Scheduler.MaxWarn = 24

	cfg.Inbox.Kind = InboxSocket
	cfg.Inbox.Socket = "alertqueue.sock"
	cfg.Inbox.SpoolDir = "spool"

	cfg.Notify.MailProgram = "mail"
	cfg.Notify.FailureAlertsPerHour = 60
	cfg.Notify.FailureAlertBurst = 5
	return cfg
}

// Load reads path, layers it over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.General.ProcessType) == "" {
		problems = append(problems, "general.process_type is required")
	}
	if c.Scheduler.Sleep < 0 {
		problems = append(problems, "scheduler.sleep must be >= 0")
	}
	if c.Scheduler.MaxComplete < 0 {
		problems = append(problems, "scheduler.max_complete must be >= 0")
	}
	if c.Scheduler.MaxFrac < 0 || c.Scheduler.MaxFrac > 1 {
		problems = append(problems, "scheduler.max_frac must be within [0, 1]")
	}
	if c.Scheduler.WarnThreshold < 0 {
		problems = append(problems, "scheduler.warn_threshold must be >= 0")
	}
	if c.Scheduler.WarnDelay < 0 {
		problems = append(problems, "scheduler.warn_delay must be >= 0")
	}
	if c.Scheduler.MaxWarn < 0 {
		problems = append(problems, "scheduler.max_warn must be >= 0")
	}
	switch c.Inbox.Kind {
	case InboxSocket:
		if c.Inbox.Socket == "" {
			problems = append(problems, "inbox.socket is required for kind=socket")
		}
	case InboxSpool:
		if c.Inbox.SpoolDir == "" {
			problems = append(problems, "inbox.spool_dir is required for kind=spool")
		}
	default:
		problems = append(problems, fmt.Sprintf("inbox.kind %q is not one of socket, spool", c.Inbox.Kind))
	}
	if c.Notify.FailureAlertsPerHour < 0 || c.Notify.FailureAlertBurst < 0 {
		problems = append(problems, "notify failure alert limits must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LogFile returns <log_directory>/<process_type>_<config basename>.log.
func (c *Config) LogFile() string {
	base := "alertqueue"
	if c.Path != "" {
		base = strings.TrimSuffix(filepath.Base(c.Path), filepath.Ext(c.Path))
	}
	return filepath.Join(c.General.LogDirectory, fmt.Sprintf("%s_%s.log", c.General.ProcessType, base))
}
