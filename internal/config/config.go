package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds control plane configuration paths and listener settings.
type Config struct {
	ConfigPath string
	DataDir    string
	DBPath     string
	CargoDir   string

	Listen        string
	MetricsListen string

	// AppURL is the externally reachable base URL of this panel; signed
	// cargo download links are built on top of it.
	AppURL string
	// AppSecret signs cargo download URLs.
	AppSecret string

	// AdminToken grants admin access to the v1 API.
	AdminToken string
	// UserTokens maps bearer token to user id for non-admin access.
	UserTokens map[string]string

	DaemonTimeoutSeconds   int
	HeartbeatWindowSeconds int
	HeartbeatSweepSeconds  int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`
	CargoDir string `yaml:"cargo_dir"`

	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	AppURL    string `yaml:"app_url"`
	AppSecret string `yaml:"app_secret"`

	AdminToken string            `yaml:"admin_token"`
	UserTokens map[string]string `yaml:"user_tokens"`

	DaemonTimeoutSeconds   int `yaml:"daemon_timeout_seconds"`
	HeartbeatWindowSeconds int `yaml:"heartbeat_window_seconds"`
	HeartbeatSweepSeconds  int `yaml:"heartbeat_sweep_seconds"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/gantry"
	return Config{
		ConfigPath:             "/etc/gantry/config.yaml",
		DataDir:                dataDir,
		DBPath:                 filepath.Join(dataDir, "gantry.db"),
		CargoDir:               filepath.Join(dataDir, "cargo"),
		Listen:                 "127.0.0.1:8820",
		MetricsListen:          "",
		AppURL:                 "http://127.0.0.1:8820",
		DaemonTimeoutSeconds:   10,
		HeartbeatWindowSeconds: 90,
		HeartbeatSweepSeconds:  30,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "gantry.db")
	}
	if fileCfg.DataDir != "" && fileCfg.CargoDir == "" {
		cfg.CargoDir = filepath.Join(cfg.DataDir, "cargo")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.CargoDir != "" {
		cfg.CargoDir = fileCfg.CargoDir
	}
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.AppURL != "" {
		cfg.AppURL = strings.TrimRight(fileCfg.AppURL, "/")
	}
	if fileCfg.AppSecret != "" {
		cfg.AppSecret = fileCfg.AppSecret
	}
	if fileCfg.AdminToken != "" {
		cfg.AdminToken = fileCfg.AdminToken
	}
	if len(fileCfg.UserTokens) > 0 {
		cfg.UserTokens = fileCfg.UserTokens
	}
	if fileCfg.DaemonTimeoutSeconds > 0 {
		cfg.DaemonTimeoutSeconds = fileCfg.DaemonTimeoutSeconds
	}
	if fileCfg.HeartbeatWindowSeconds > 0 {
		cfg.HeartbeatWindowSeconds = fileCfg.HeartbeatWindowSeconds
	}
	if fileCfg.HeartbeatSweepSeconds > 0 {
		cfg.HeartbeatSweepSeconds = fileCfg.HeartbeatSweepSeconds
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.CargoDir == "" {
		return fmt.Errorf("cargo_dir is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
	}
	if c.AppURL == "" {
		return fmt.Errorf("app_url is required")
	}
	parsed, err := url.Parse(c.AppURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("app_url must be an absolute URL")
	}
	if c.AppSecret == "" {
		return fmt.Errorf("app_secret is required")
	}
	if c.DaemonTimeoutSeconds <= 0 {
		return fmt.Errorf("daemon_timeout_seconds must be positive")
	}
	if c.HeartbeatWindowSeconds <= 0 {
		return fmt.Errorf("heartbeat_window_seconds must be positive")
	}
	if c.HeartbeatSweepSeconds <= 0 {
		return fmt.Errorf("heartbeat_sweep_seconds must be positive")
	}
	return nil
}
