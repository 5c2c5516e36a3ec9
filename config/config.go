package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"heliochain/crypto"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	OpsAddress    string `toml:"OpsAddress"`
	DataDir       string `toml:"DataDir"`
	NodeKeyPath   string `toml:"NodeKeyPath"`
	NetworkName   string `toml:"NetworkName"`

	MaxPeers       int  `toml:"MaxPeers"`
	OutPeers       int  `toml:"OutPeers"`
	AcceptIncoming bool `toml:"AcceptIncoming"`
	AutoConnect    bool `toml:"AutoConnect"`

	Bootnodes   []string          `toml:"Bootnodes"`
	FixedPeers  []string          `toml:"FixedPeers"`
	ClusterKeys map[string]string `toml:"ClusterKeys,omitempty"`

	TLSCertFile string `toml:"TLSCertFile"`
	TLSKeyFile  string `toml:"TLSKeyFile"`

	LogEnvironment string `toml:"LogEnvironment"`
	LogFile        string `toml:"LogFile"`
}

// Load loads the configuration from the given path, creating a default file
// and node key when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "helio-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./helio-data"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.FixedPeers == nil {
		cfg.FixedPeers = []string{}
	}
	if err := ensureNodeKey(path, cfg); err != nil {
		return nil, err
	}
	return cfg, validate(cfg)
}

func validate(cfg *Config) error {
	if cfg.MaxPeers < 0 {
		return fmt.Errorf("MaxPeers must not be negative, got %d", cfg.MaxPeers)
	}
	if cfg.OutPeers < 0 {
		return fmt.Errorf("OutPeers must not be negative, got %d", cfg.OutPeers)
	}
	if cfg.MaxPeers > 0 && cfg.OutPeers > cfg.MaxPeers {
		return fmt.Errorf("OutPeers (%d) exceeds MaxPeers (%d)", cfg.OutPeers, cfg.MaxPeers)
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must not be empty")
	}
	return nil
}

func ensureNodeKey(configPath string, cfg *Config) error {
	keyPath := cfg.NodeKeyPath
	if keyPath == "" {
		keyPath = defaultNodeKeyPath(configPath)
	}
	if _, err := crypto.LoadOrCreateIdentity(keyPath); err != nil {
		return err
	}
	if cfg.NodeKeyPath != keyPath {
		cfg.NodeKeyPath = keyPath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	keyPath := defaultNodeKeyPath(path)
	if _, err := crypto.LoadOrCreateIdentity(keyPath); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:  ":7101",
		OpsAddress:     ":7180",
		DataDir:        "./helio-data",
		NodeKeyPath:    keyPath,
		NetworkName:    "helio-local",
		MaxPeers:       21,
		OutPeers:       10,
		AcceptIncoming: true,
		AutoConnect:    true,
		Bootnodes:      []string{},
		FixedPeers:     []string{},
		LogEnvironment: "development",
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultNodeKeyPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.key")
}
