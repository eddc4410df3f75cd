package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chainchat"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "CHAINCHAT_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	// DefaultRedisAddr is the notification broker address.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultContentStoreURL is the content store gateway endpoint.
	DefaultContentStoreURL = "http://127.0.0.1:8441"
	// DefaultLedgerURL is the reference ledger endpoint. Empty selects the
	// in-process ledger, which is the local development mode.
	DefaultLedgerURL = ""
)

// Durations and limits applied when the stored value is zero or negative.
const (
	DefaultConfirmTimeout        = 30 * time.Second
	DefaultConfirmPollInterval   = time.Second
	DefaultReferencePollInterval = 5 * time.Second
	DefaultPaymentTimeout        = 30 * time.Second
	DefaultFetchAttempts         = 5
	DefaultCacheSize             = 1024
	DefaultCacheMaxAge           = 15 * time.Minute
)

// AccountConfig contains persistent local-account settings.
type AccountConfig struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	X25519PrivateKeyPath  string `json:"x25519_private_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`

	LedgerURL       string `json:"ledger_url"`
	ContentStoreURL string `json:"content_store_url"`
	RedisAddr       string `json:"redis_addr"`

	ConfirmTimeoutSeconds      int `json:"confirm_timeout_seconds"`
	ConfirmPollIntervalSeconds int `json:"confirm_poll_interval_seconds"`
	ReferencePollSeconds       int `json:"reference_poll_seconds"`
	PaymentTimeoutSeconds      int `json:"payment_timeout_seconds"`
	FetchAttempts              int `json:"fetch_attempts"`

	CacheSize          int `json:"cache_size"`
	CacheMaxAgeSeconds int `json:"cache_max_age_seconds"`
}

// ConfirmTimeout returns the publish confirmation budget.
func (c *AccountConfig) ConfirmTimeout() time.Duration {
	return secondsOr(c.ConfirmTimeoutSeconds, DefaultConfirmTimeout)
}

// ConfirmPollInterval returns the delay between confirmation polls.
func (c *AccountConfig) ConfirmPollInterval() time.Duration {
	return secondsOr(c.ConfirmPollIntervalSeconds, DefaultConfirmPollInterval)
}

// ReferencePollInterval returns the delay between reference stream polls.
func (c *AccountConfig) ReferencePollInterval() time.Duration {
	return secondsOr(c.ReferencePollSeconds, DefaultReferencePollInterval)
}

// PaymentTimeout returns the per-attempt payment confirmation budget.
func (c *AccountConfig) PaymentTimeout() time.Duration {
	return secondsOr(c.PaymentTimeoutSeconds, DefaultPaymentTimeout)
}

// CacheMaxAge returns the plaintext cache entry lifetime.
func (c *AccountConfig) CacheMaxAge() time.Duration {
	return secondsOr(c.CacheMaxAgeSeconds, DefaultCacheMaxAge)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHAINCHAT_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AccountConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AccountConfig) error {
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
func LoadOrCreate() (*AccountConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
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

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *AccountConfig {
	displayName := "ChainChat Account"
	if host, err := os.Hostname(); err == nil && host != "" {
		displayName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &AccountConfig{
		AccountID:             uuid.NewString(),
		DisplayName:           displayName,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		X25519PrivateKeyPath:  filepath.Join(keysDir, "x25519_private.pem"),
		LedgerURL:             DefaultLedgerURL,
		ContentStoreURL:       DefaultContentStoreURL,
		RedisAddr:             DefaultRedisAddr,
		FetchAttempts:         DefaultFetchAttempts,
		CacheSize:             DefaultCacheSize,
	}
}

func normalizeDefaults(cfg *AccountConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.AccountID == "" {
		cfg.AccountID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		displayName := "ChainChat Account"
		if host, err := os.Hostname(); err == nil && host != "" {
			displayName = host
		}
		cfg.DisplayName = displayName
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}
	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(keysDir, "x25519_private.pem")
		updated = true
	}

	if cfg.ContentStoreURL == "" {
		cfg.ContentStoreURL = DefaultContentStoreURL
		updated = true
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = DefaultRedisAddr
		updated = true
	}

	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
		updated = true
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
		updated = true
	}

	return updated
}
