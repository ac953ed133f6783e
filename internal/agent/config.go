package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kioskfleet/fleet/internal/agent/reconcile"
	"github.com/kioskfleet/fleet/internal/agent/syncworker"
)

// Config is the agent's runtime configuration. Values come from defaults, an
// optional YAML file, KIOSK_-prefixed environment variables and flags, in
// increasing precedence.
type Config struct {
	// ServerURL is the fleet server base URL
	ServerURL      string        `mapstructure:"SERVER_URL"`
	// DBPath is the SQLite file holding the queue and agent state
	DBPath         string        `mapstructure:"DB_PATH"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SyncInterval   time.Duration `mapstructure:"SYNC_INTERVAL"`
	// Notifications enables the websocket subscription for policy pushes
	Notifications  bool          `mapstructure:"NOTIFICATIONS"`
	ReconnectDelay time.Duration `mapstructure:"RECONNECT_DELAY"`

	SelfPackage       string   `mapstructure:"SELF_PACKAGE"`
	TrustedPrefix     string   `mapstructure:"TRUSTED_PREFIX"`
	// InstalledPackages is the package inventory reported to the reconciler
	InstalledPackages []string `mapstructure:"INSTALLED_PACKAGES"`

	Model       string `mapstructure:"MODEL"`
	OSVersion   string `mapstructure:"OS_VERSION"`
	DeviceID    string `mapstructure:"DEVICE_ID"`
	// DeviceOwner simulates a device-owner provisioned handset
	DeviceOwner bool   `mapstructure:"DEVICE_OWNER"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// flagKeys maps flag names to config keys
var flagKeys = map[string]string{
	"server":          "SERVER_URL",
	"db":              "DB_PATH",
	"timeout":         "REQUEST_TIMEOUT",
	"interval":        "SYNC_INTERVAL",
	"notifications":   "NOTIFICATIONS",
	"self-package":    "SELF_PACKAGE",
	"trusted-prefix":  "TRUSTED_PREFIX",
	"installed":       "INSTALLED_PACKAGES",
	"model":           "MODEL",
	"os-version":      "OS_VERSION",
	"device-id":       "DEVICE_ID",
	"device-owner":    "DEVICE_OWNER",
	"log-level":       "LOG_LEVEL",
	"reconnect-delay": "RECONNECT_DELAY",
}

// AddFlags registers the agent's configuration flags
func AddFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "path to a YAML config file")
	flagSet.String("server", "", "fleet server base URL")
	flagSet.String("db", "", "path to the agent database")
	flagSet.Duration("timeout", 0, "per-request timeout")
	flagSet.Duration("interval", 0, "telemetry sync interval")
	flagSet.Bool("notifications", false, "subscribe to policy push notifications")
	flagSet.Duration("reconnect-delay", 0, "wait before reconnecting the notification channel")
	flagSet.String("self-package", "", "the agent's own package identifier")
	flagSet.String("trusted-prefix", "", "prefix of first-party packages that are always allowed")
	flagSet.StringSlice("installed", nil, "installed packages, comma separated")
	flagSet.String("model", "", "device model reported at registration")
	flagSet.String("os-version", "", "OS version reported at registration")
	flagSet.String("device-id", "", "device id to request when the server runs in client id mode")
	flagSet.Bool("device-owner", false, "run as a device-owner provisioned device")
	flagSet.String("log-level", "", "log level (debug, info, warn, error)")
}

// LoadConfig builds the configuration. flagSet may be nil; only flags the
// user actually set override other sources.
func LoadConfig(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_URL", "http://localhost:5000")
	v.SetDefault("DB_PATH", "kiosk-agent.db")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SYNC_INTERVAL", syncworker.DefaultInterval.String())
	v.SetDefault("NOTIFICATIONS", true)
	v.SetDefault("RECONNECT_DELAY", "30s")
	v.SetDefault("SELF_PACKAGE", "edu.aiims.surveylauncher")
	v.SetDefault("TRUSTED_PREFIX", reconcile.TrustedPrefix)
	v.SetDefault("INSTALLED_PACKAGES", []string{})
	v.SetDefault("MODEL", "simulated")
	v.SetDefault("OS_VERSION", "")
	v.SetDefault("DEVICE_ID", "")
	v.SetDefault("DEVICE_OWNER", false)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetEnvPrefix("KIOSK")
	v.AutomaticEnv()

	if flagSet != nil {
		if path, _ := flagSet.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
		for name, key := range flagKeys {
			flag := flagSet.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.InstalledPackages = splitPackages(cfg.InstalledPackages)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("config: SERVER_URL must be set")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return errors.New("config: SERVER_URL must be an http or https URL")
	}
	if c.DBPath == "" {
		return errors.New("config: DB_PATH must be set")
	}
	if c.SyncInterval <= 0 {
		return errors.New("config: SYNC_INTERVAL must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: REQUEST_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.SelfPackage) == "" {
		return errors.New("config: SELF_PACKAGE must be set")
	}
	return nil
}

// Options derives the agent options from the configuration
func (c *Config) Options() Options {
	return Options{
		SelfPackage:   c.SelfPackage,
		TrustedPrefix: c.TrustedPrefix,
		SyncInterval:  c.SyncInterval,
		FlushTimeout:  c.RequestTimeout,
		Model:         c.Model,
		OSVersion:     c.OSVersion,
		DeviceID:      c.DeviceID,
	}
}

// splitPackages accepts both list values and comma separated strings
func splitPackages(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
