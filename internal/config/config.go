// Package config provides configuration management for the a3s runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	// Home is $HOME/.a3s, the root of every on-disk artifact (spec.md §6).
	Home string `mapstructure:"home"`

	// Registry settings
	Registries      map[string]RegistryConfig `mapstructure:"registries"`
	DefaultRegistry string                    `mapstructure:"default_registry"`
	PullConcurrency int                       `mapstructure:"pull_concurrency"`

	// Image store settings
	ImageStoreMaxBytes int64 `mapstructure:"image_store_max_bytes"`

	// VMM / warm pool settings
	DefaultVCPU     int `mapstructure:"default_vcpu"`
	DefaultMemoryMB int `mapstructure:"default_memory_mb"`
	WarmPoolSize    int `mapstructure:"warm_pool_size"`

	// TEE / attestation settings
	TEESimulate bool `mapstructure:"tee_simulate"`

	Debug bool `mapstructure:"debug"`
}

// RegistryConfig contains registry-specific configuration.
type RegistryConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Insecure bool   `mapstructure:"insecure"`
	CACert   string `mapstructure:"ca_cert"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("home", filepath.Join(homeDir(), ".a3s"))
	v.SetDefault("default_registry", "index.docker.io")
	v.SetDefault("pull_concurrency", 4)
	v.SetDefault("image_store_max_bytes", int64(20)<<30) // 20 GiB
	v.SetDefault("default_vcpu", 1)
	v.SetDefault("default_memory_mb", 512)
	v.SetDefault("warm_pool_size", 2)
	v.SetDefault("tee_simulate", false)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("A3S")
	v.AutomaticEnv()
	v.BindEnv("tee_simulate", "A3S_TEE_SIMULATE")
	v.BindEnv("debug", "A3S_DEBUG")
	v.BindEnv("home", "A3S_HOME")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(filepath.Join(homeDir(), ".a3s"))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Registries == nil {
		cfg.Registries = make(map[string]RegistryConfig)
	}
	if _, exists := cfg.Registries["index.docker.io"]; !exists {
		cfg.Registries["index.docker.io"] = RegistryConfig{URL: "https://index.docker.io"}
	}

	if username := os.Getenv("REGISTRY_USERNAME"); username != "" {
		reg := cfg.Registries[cfg.DefaultRegistry]
		reg.Username = username
		cfg.Registries[cfg.DefaultRegistry] = reg
	}
	if password := os.Getenv("REGISTRY_PASSWORD"); password != "" {
		reg := cfg.Registries[cfg.DefaultRegistry]
		reg.Password = password
		cfg.Registries[cfg.DefaultRegistry] = reg
	}

	return &cfg, nil
}

// GetRegistryConfig returns the registry configuration for a given registry hostname.
func (c *Config) GetRegistryConfig(registry string) (RegistryConfig, bool) {
	if c.Registries == nil {
		return RegistryConfig{}, false
	}
	cfg, exists := c.Registries[registry]
	if !exists && registry == "index.docker.io" {
		return RegistryConfig{URL: "https://index.docker.io"}, true
	}
	return cfg, exists
}

// BoxesDir returns $HOME/.a3s/boxes.
func (c *Config) BoxesDir() string { return filepath.Join(c.Home, "boxes") }

// BoxesFile returns $HOME/.a3s/boxes.json.
func (c *Config) BoxesFile() string { return filepath.Join(c.Home, "boxes.json") }

// ImagesDir returns $HOME/.a3s/images.
func (c *Config) ImagesDir() string { return filepath.Join(c.Home, "images") }

// LayerCacheDir returns $HOME/.a3s/images/layer_cache.
func (c *Config) LayerCacheDir() string { return filepath.Join(c.ImagesDir(), "layer_cache") }

// CredentialsFile returns $HOME/.a3s/credentials.json.
func (c *Config) CredentialsFile() string { return filepath.Join(c.Home, "credentials.json") }

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp"
	}
	return home
}
