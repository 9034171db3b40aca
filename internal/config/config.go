package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects the surfaces the daemon serves.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeMCP  Mode = "mcp"
	ModeBoth Mode = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      Mode
}

// InventoryConfig locates the devices, groups and scripts definitions.
type InventoryConfig struct {
	Path  string
	Watch bool
}

// SchedulerConfig tunes task scheduling and script execution.
type SchedulerConfig struct {
	UseUTC bool
	// RunNowGrace delays "run immediately" executions.
	RunNowGrace time.Duration
	// ScriptTimeout applies to scripts without their own timeout; zero means none.
	ScriptTimeout time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Inventory    InventoryConfig
	Scheduler    SchedulerConfig
	Notification NotificationConfig

	LogLevel      string
	StateDir      string
	ShutdownGrace time.Duration
}

const (
	envPrefix            = "TASKFLEET_"
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 5 * time.Second
	defaultRunNowGrace   = 15 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the configuration from args (without the program name).
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "taskfleet", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      Mode(getEnvString("MODE", string(ModeHTTP))),
		},
		Inventory: InventoryConfig{
			Path:  getEnvString("INVENTORY", ""),
			Watch: getEnvBool("INVENTORY_WATCH", true),
		},
		Scheduler: SchedulerConfig{
			UseUTC:        getEnvBool("USE_UTC", false),
			RunNowGrace:   getEnvDuration("RUN_NOW_GRACE", defaultRunNowGrace),
			ScriptTimeout: getEnvDuration("SCRIPT_TIMEOUT", 0),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		LogLevel:      getEnvString("LOG_LEVEL", defaultLogLevel),
		StateDir:      getEnvString("STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskfleetd", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.AuthToken, "auth-token", cfg.Server.AuthToken, "Bearer token required by the HTTP API")
	mode := fs.String("mode", string(cfg.Server.Mode), "Surfaces to serve: http, mcp (stdio) or both")
	fs.StringVar(&cfg.Inventory.Path, "inventory", cfg.Inventory.Path, "Path to the devices/groups/scripts YAML file")
	fs.BoolVar(&cfg.Inventory.Watch, "watch-inventory", cfg.Inventory.Watch, "Re-sync the inventory file when it changes")
	fs.BoolVar(&cfg.Scheduler.UseUTC, "use-utc", cfg.Scheduler.UseUTC, "Interpret dates and runtimes in UTC instead of local time")
	fs.DurationVar(&cfg.Scheduler.RunNowGrace, "run-now-grace", cfg.Scheduler.RunNowGrace, "Delay before a task run immediately is fired")
	fs.DurationVar(&cfg.Scheduler.ScriptTimeout, "script-timeout", cfg.Scheduler.ScriptTimeout, "Default script command timeout (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding the database")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Server.Mode = Mode(strings.ToLower(*mode))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Server.Mode)
	}
	if c.Scheduler.RunNowGrace < 0 {
		return errors.New("run-now grace must be non-negative")
	}
	if c.Scheduler.ScriptTimeout < 0 {
		return errors.New("script timeout must be non-negative")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("bark notifications enabled without a URL")
	}
	return nil
}

// ServesHTTP reports whether the HTTP API should be started.
func (c *Config) ServesHTTP() bool {
	return c.Server.Mode == ModeHTTP || c.Server.Mode == ModeBoth
}

// ServesStdio reports whether the MCP stdio server should be started.
func (c *Config) ServesStdio() bool {
	return c.Server.Mode == ModeMCP || c.Server.Mode == ModeBoth
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskfleet")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
