package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds all runtime configuration. Defaults are applied first,
// then an optional YAML config file, then SERVER_MANAGER_* environment
// variables, so env always wins.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" yaml:"listen_addr"`
	DatabasePath string `envconfig:"DATABASE_PATH" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" yaml:"log_path"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" yaml:"auth_disabled"`

	// SSHDriver selects the remote execution strategy: "exec" runs each
	// command on its own exec channel and backgrounds async commands into
	// a side file, "pipe" keeps the channel open and buffers output in
	// memory.
	SSHDriver string `envconfig:"SSH_DRIVER" yaml:"ssh_driver"`

	// LocalGate is the permission name a user must hold to open
	// connections to the local machine.
	LocalGate string `envconfig:"LOCAL_GATE" yaml:"local_gate"`

	// Command execution settings
	CommandTimeout int `envconfig:"COMMAND_TIMEOUT" yaml:"command_timeout"`
	MaxOutputSize  int `envconfig:"MAX_OUTPUT_SIZE" yaml:"max_output_size"`
	PollIntervalMS int `envconfig:"POLL_INTERVAL_MS" yaml:"poll_interval_ms"`

	// Session management settings
	SessionTTL      int `envconfig:"SESSION_TTL" yaml:"session_ttl"`
	MaxPerUser      int `envconfig:"MAX_SESSIONS_PER_USER" yaml:"max_sessions_per_user"`
	CleanupInterval int `envconfig:"CLEANUP_INTERVAL" yaml:"cleanup_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		ListenAddr:      ":8000",
		DatabasePath:    "/app/data/server-manager.db",
		SSHDriver:       "exec",
		LocalGate:       "server-manager:access-local",
		CommandTimeout:  300,
		MaxOutputSize:   10 * 1024 * 1024,
		PollIntervalMS:  100,
		SessionTTL:      3600,
		MaxPerUser:      10,
		CleanupInterval: 300,
	}
}

// CommandTimeoutDuration returns the sync execute timeout as a Duration.
func (s Settings) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// SessionTTLDuration returns the idle-session TTL as a Duration.
func (s Settings) SessionTTLDuration() time.Duration {
	return time.Duration(s.SessionTTL) * time.Second
}

// PollInterval returns the streaming poll interval as a Duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

var Cfg Settings

// Load populates Cfg. A config file named by SERVER_MANAGER_CONFIG is
// applied between defaults and environment variables.
func Load() {
	Cfg = Defaults()

	if path := os.Getenv("SERVER_MANAGER_CONFIG"); path != "" {
		if err := mergeFile(path, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", path, err)
		}
	}

	if err := envconfig.Process("SERVER_MANAGER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// mergeFile overlays YAML values from path onto s. Keys absent from the
// file leave the existing values untouched.
func mergeFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
