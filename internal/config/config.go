package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Network Debugger Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Probe  ProbeConfig  `yaml:"probe"`
	Noise  NoiseConfig  `yaml:"noise"`

	Aggregator string `yaml:"aggregator"`
	Name       string `yaml:"name"`

	Dry       bool `yaml:"dry"`
	Test      bool `yaml:"test"`
	Terminate bool `yaml:"terminate"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	HTTPSKeyPath string `yaml:"https_key_path"`
	HTTPSCertPath string `yaml:"https_cert_path"`
}

type StoreConfig struct {
	Path            string `yaml:"path"`
	BlobInlineMax   int    `yaml:"blob_inline_max"`
}

type ProbeConfig struct {
	FirewallInterface string `yaml:"firewall_interface"`
	Alias             string `yaml:"bpf_alias"`
}

// NoiseConfig tunes the Noise XX handshake reconstruction.
type NoiseConfig struct {
	RandomnessWindowMs int `yaml:"randomness_window_ms"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading config.yaml (if present)
// and then applying environment variable overrides on top of it.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: no config file loaded, using environment and defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Reset clears the singleton. Test helper only.
func Reset() {
	instance = nil
	once = sync.Once{}
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies the process environment on top of whatever was
// loaded from YAML, then fills in defaults for anything still unset.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.HTTPSKeyPath = getEnv("HTTPS_KEY_PATH", c.Server.HTTPSKeyPath)
	c.Server.HTTPSCertPath = getEnv("HTTPS_CERT_PATH", c.Server.HTTPSCertPath)

	c.Store.Path = getEnv("DB_PATH", c.Store.Path)
	if v := getEnvInt("STORE_BLOB_INLINE_MAX", 0); v > 0 {
		c.Store.BlobInlineMax = v
	}

	c.Probe.FirewallInterface = getEnv("FIREWALL_INTERFACE", c.Probe.FirewallInterface)
	c.Probe.Alias = getEnv("BPF_ALIAS", c.Probe.Alias)

	if v := getEnvInt("NOISE_RANDOMNESS_WINDOW_MS", 0); v > 0 {
		c.Noise.RandomnessWindowMs = v
	}

	c.Aggregator = getEnv("AGGREGATOR", c.Aggregator)
	c.Name = getEnv("DEBUGGER_NAME", c.Name)

	c.Dry = getEnvBool("DRY", c.Dry)
	c.Test = getEnvBool("TEST", c.Test)
	c.Terminate = getEnvBool("TERMINATE", c.Terminate)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Store.Path == "" {
		c.Store.Path = "target/db"
	}
	if c.Store.BlobInlineMax == 0 {
		c.Store.BlobInlineMax = 4096
	}
	if c.Probe.FirewallInterface == "" {
		c.Probe.FirewallInterface = "eth0"
	}
	if c.Noise.RandomnessWindowMs == 0 {
		c.Noise.RandomnessWindowMs = 50
	}
	if c.Name == "" {
		c.Name = "debugger"
	}
}

// Validate rejects configurations that cannot possibly run: an HTTPS key
// without a cert, or vice versa, since the server needs both or neither.
func (c *Config) Validate() error {
	if (c.Server.HTTPSKeyPath == "") != (c.Server.HTTPSCertPath == "") {
		return fmt.Errorf("config: HTTPS_KEY_PATH and HTTPS_CERT_PATH must both be set or both be empty")
	}
	return nil
}

// TLSEnabled reports whether the server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.Server.HTTPSKeyPath != "" && c.Server.HTTPSCertPath != ""
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// splitAlias parses a BPF_ALIAS value of the form "{chain}-{ip}".
func splitAlias(alias string) (chain, ip string, ok bool) {
	idx := strings.LastIndex(alias, "-")
	if idx < 0 || idx == len(alias)-1 {
		return "", "", false
	}
	return alias[:idx], alias[idx+1:], true
}

// Chain returns the chain component of the configured BPF_ALIAS.
func (c *Config) Chain() string {
	chain, _, ok := splitAlias(c.Probe.Alias)
	if !ok {
		return ""
	}
	return chain
}

// TargetIP returns the ip component of the configured BPF_ALIAS.
func (c *Config) TargetIP() string {
	_, ip, ok := splitAlias(c.Probe.Alias)
	if !ok {
		return ""
	}
	return ip
}
