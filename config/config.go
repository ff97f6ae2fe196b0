package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fileshare"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "FILESHARE_DATA_DIR"
	// DefaultTransferPort is the TCP port for file transfers.
	DefaultTransferPort = 2000
	// DefaultBeaconPort is the UDP port for presence keep-alives.
	DefaultBeaconPort = 2017
	// DefaultMulticastGroup is the group keep-alives are sent to.
	DefaultMulticastGroup = "ff02::1"
	// DefaultBeaconIntervalSeconds is the keep-alive recurrence.
	DefaultBeaconIntervalSeconds = 10
	// DefaultHandshakeTimeoutSeconds bounds the wait for each transfer request.
	DefaultHandshakeTimeoutSeconds = 5
	// DefaultLogLevel is used when log_level is empty or invalid.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// historyFileName is the SQLite transfer history database.
	historyFileName = "history.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	DownloadDir string `json:"download_dir"`
	PicturePath string `json:"picture_path"`

	Ghost      bool `json:"ghost"`
	AutoAccept bool `json:"auto_accept"`

	TransferPort            int    `json:"transfer_port"`
	BeaconPort              int    `json:"beacon_port"`
	MulticastGroup          string `json:"multicast_group"`
	MulticastInterface      string `json:"multicast_interface"`
	BeaconIntervalSeconds   int    `json:"beacon_interval_seconds"`
	HandshakeTimeoutSeconds int    `json:"handshake_timeout_seconds"`

	LogLevel       string `json:"log_level"`
	AdvertiseMDNS  bool   `json:"advertise_mdns"`
	HistoryEnabled bool   `json:"history_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILESHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// HistoryPath returns the transfer history database path for a data directory.
func HistoryPath(dataDir string) string {
	return filepath.Join(dataDir, historyFileName)
}

// EnsureDataDirectories creates the data directory and the download directory.
func EnsureDataDirectories(dataDir, downloadDir string) error {
	dirs := []string{dataDir}
	if downloadDir != "" {
		dirs = append(dirs, downloadDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir, ""); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := EnsureDataDirectories(dataDir, cfg.DownloadDir); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// ParseLogLevel returns the configured logrus level, falling back to info.
func (c *DeviceConfig) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{HistoryEnabled: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "FileShare Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.TransferPort <= 0 || cfg.TransferPort > 65535 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.BeaconPort <= 0 || cfg.BeaconPort > 65535 {
		cfg.BeaconPort = DefaultBeaconPort
		updated = true
	}
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = DefaultMulticastGroup
		updated = true
	}
	if cfg.BeaconIntervalSeconds <= 0 {
		cfg.BeaconIntervalSeconds = DefaultBeaconIntervalSeconds
		updated = true
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = DefaultHandshakeTimeoutSeconds
		updated = true
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
