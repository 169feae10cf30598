package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Limits TOMLLimitsSection `toml:"limits"`
	Reaper TOMLReaperSection `toml:"reaper"`
}

type TOMLServerSection struct {
	Host         string `toml:"host"`
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SnapshotPath string `toml:"snapshot_path"`
}

type TOMLLimitsSection struct {
	PublicCatchup     int `toml:"public_catchup"`
	BanStrikes        int `toml:"ban_strikes"`
	BanDurationSec    int `toml:"ban_duration_sec"`
	RateLimitMessages int `toml:"rate_limit_messages"`
	RateWindowSec     int `toml:"rate_window_sec"`
	ReadTTLSec        int `toml:"read_ttl_sec"`
}

type TOMLReaperSection struct {
	ReadSweepSec int `toml:"read_sweep_sec"`
	RateResetSec int `toml:"rate_reset_sec"`
}

// Config holds the resolved server configuration
type Config struct {
	Host         string
	TCPPort      int
	HTTPPort     int // Public HTTP port for /ws (0 = disabled)
	MetricsPort  int // Internal metrics port for /metrics and /health (0 = disabled)
	SnapshotPath string

	PublicCatchup int // public messages delivered to a fresh login
	BanStrikes    int // warnings before a ban triggers
	BanDuration   time.Duration
	RateLimit     int // sends allowed per rate window
	RateWindow    time.Duration
	ReadTTL       time.Duration // retention of private messages after read

	ReadSweepInterval time.Duration // read-message reaper pass interval
	RateResetInterval time.Duration // rate-limit reaper pass interval
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		TCPPort:      8000,
		HTTPPort:     8080,
		MetricsPort:  9090,
		SnapshotPath: "~/.linechat/linechat.db",

		PublicCatchup: 20,
		BanStrikes:    3,
		BanDuration:   4 * time.Hour,
		RateLimit:     20,
		RateWindow:    time.Hour,
		ReadTTL:       time.Hour,

		ReadSweepInterval: 60 * time.Second,
		RateResetInterval: 60 * time.Second,
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// none exists, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := defaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write (permissions?), run on defaults anyway
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func defaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: TOMLServerSection{
			Host:         def.Host,
			TCPPort:      def.TCPPort,
			HTTPPort:     def.HTTPPort,
			MetricsPort:  def.MetricsPort,
			SnapshotPath: def.SnapshotPath,
		},
		Limits: TOMLLimitsSection{
			PublicCatchup:     def.PublicCatchup,
			BanStrikes:        def.BanStrikes,
			BanDurationSec:    int(def.BanDuration.Seconds()),
			RateLimitMessages: def.RateLimit,
			RateWindowSec:     int(def.RateWindow.Seconds()),
			ReadTTLSec:        int(def.ReadTTL.Seconds()),
		},
		Reaper: TOMLReaperSection{
			ReadSweepSec: int(def.ReadSweepInterval.Seconds()),
			RateResetSec: int(def.RateResetInterval.Seconds()),
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: LINECHAT_SECTION_KEY
// Example: LINECHAT_SERVER_TCP_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("LINECHAT_SERVER_HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("LINECHAT_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("LINECHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("LINECHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("LINECHAT_SERVER_SNAPSHOT_PATH"); val != "" {
		config.Server.SnapshotPath = val
	}

	if val := os.Getenv("LINECHAT_LIMITS_PUBLIC_CATCHUP"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.PublicCatchup = n
		}
	}
	if val := os.Getenv("LINECHAT_LIMITS_BAN_STRIKES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.BanStrikes = n
		}
	}
	if val := os.Getenv("LINECHAT_LIMITS_BAN_DURATION_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.BanDurationSec = n
		}
	}
	if val := os.Getenv("LINECHAT_LIMITS_RATE_LIMIT_MESSAGES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.RateLimitMessages = n
		}
	}
	if val := os.Getenv("LINECHAT_LIMITS_RATE_WINDOW_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.RateWindowSec = n
		}
	}
	if val := os.Getenv("LINECHAT_LIMITS_READ_TTL_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadTTLSec = n
		}
	}

	if val := os.Getenv("LINECHAT_REAPER_READ_SWEEP_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Reaper.ReadSweepSec = n
		}
	}
	if val := os.Getenv("LINECHAT_REAPER_RATE_RESET_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Reaper.RateResetSec = n
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# linechat server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# LINECHAT_SECTION_KEY (e.g., LINECHAT_SERVER_TCP_PORT=9000)

[server]
# Interface to bind the chat listener to
host = "127.0.0.1"

# Port for the text chat protocol
tcp_port = 8000

# Port for the public HTTP server (/ws WebSocket endpoint)
# Set to 0 to disable
http_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Never expose this publicly. Set to 0 to disable
metrics_port = 9090

# Path to the state snapshot written on shutdown
snapshot_path = "~/.linechat/linechat.db"

[limits]
# Public messages delivered to a newly registered user on login
public_catchup = 20

# Ban warnings before a ban triggers
ban_strikes = 3

# How long a triggered ban lasts, in seconds (default: 4 hours)
ban_duration_sec = 14400

# Messages a user may send per rate window
rate_limit_messages = 20

# Rate window length in seconds (default: 1 hour)
rate_window_sec = 3600

# How long read private messages are kept, in seconds (default: 1 hour)
read_ttl_sec = 3600

[reaper]
# How often the read-message reaper scans for expired messages, in seconds
read_sweep_sec = 60

# How often the rate-limit reaper scans for expired windows, in seconds
rate_reset_sec = 60
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToConfig converts TOMLConfig to Config
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.SnapshotPath) != "" {
		cfg.SnapshotPath = c.Server.SnapshotPath
	}

	if c.Limits.PublicCatchup != 0 {
		cfg.PublicCatchup = c.Limits.PublicCatchup
	}
	if c.Limits.BanStrikes != 0 {
		cfg.BanStrikes = c.Limits.BanStrikes
	}
	if c.Limits.BanDurationSec != 0 {
		cfg.BanDuration = time.Duration(c.Limits.BanDurationSec) * time.Second
	}
	if c.Limits.RateLimitMessages != 0 {
		cfg.RateLimit = c.Limits.RateLimitMessages
	}
	if c.Limits.RateWindowSec != 0 {
		cfg.RateWindow = time.Duration(c.Limits.RateWindowSec) * time.Second
	}
	if c.Limits.ReadTTLSec != 0 {
		cfg.ReadTTL = time.Duration(c.Limits.ReadTTLSec) * time.Second
	}

	if c.Reaper.ReadSweepSec != 0 {
		cfg.ReadSweepInterval = time.Duration(c.Reaper.ReadSweepSec) * time.Second
	}
	if c.Reaper.RateResetSec != 0 {
		cfg.RateResetInterval = time.Duration(c.Reaper.RateResetSec) * time.Second
	}

	return cfg
}

// GetSnapshotPath returns the snapshot path with ~ expanded, creating its
// directory if needed
func (c *Config) GetSnapshotPath() (string, error) {
	path, err := expandHome(c.SnapshotPath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	return path, nil
}

// GetDataDir returns the directory holding the snapshot and log files,
// created if needed.
func (c *Config) GetDataDir() (string, error) {
	path, err := c.GetSnapshotPath()
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
