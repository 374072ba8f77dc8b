// Package config loads the keyward YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devatadev/gokeyward/internal/vault"
)

// Config is the top-level keyward.yaml document.
type Config struct {
	Serve      Serve          `yaml:"serve"`
	Logging    Logging        `yaml:"logging"`
	Vaults     []vault.Config `yaml:"vaults"`
	Devices    []Device       `yaml:"devices"`
	TitleCache TitleCache     `yaml:"title_cache"`
}

// Serve configures the key-server daemon.
type Serve struct {
	Host  string          `yaml:"host"`
	Port  int64           `yaml:"port"`
	Mode  string          `yaml:"mode"` // debug | release
	Users map[string]User `yaml:"users"`
}

// User maps a secret key to a named client and the services it may touch.
type User struct {
	Name     string   `yaml:"name"`
	Services []string `yaml:"services"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Device is one device record. Exactly one of WVD or Remote is set; the
// device loader validates the record before the engine sees it.
type Device struct {
	Service string  `yaml:"service"`
	Profile string  `yaml:"profile,omitempty"`
	WVD     string  `yaml:"wvd,omitempty"`
	Remote  *Remote `yaml:"remote,omitempty"`
}

// Remote mirrors the remote CDM delegate record.
type Remote struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Secret         string `yaml:"secret"`
	DeviceName     string `yaml:"device_name"`
	DeviceType     string `yaml:"device_type"`
	SystemID       int    `yaml:"system_id"`
	SecurityLevel  int    `yaml:"security_level"`
	TimeoutSeconds int    `yaml:"timeout,omitempty"`
}

// TitleCache configures the title metadata cache. Durations are seconds.
type TitleCache struct {
	Path         string `yaml:"path"`
	TTL          int    `yaml:"ttl"`
	MaxRetention int    `yaml:"max_retention"`
}

func (t TitleCache) TTLDuration() time.Duration { return time.Duration(t.TTL) * time.Second }

func (t TitleCache) MaxRetentionDuration() time.Duration {
	return time.Duration(t.MaxRetention) * time.Second
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Serve.Host == "" {
		c.Serve.Host = "127.0.0.1"
	}
	if c.Serve.Port == 0 {
		c.Serve.Port = 8786
	}
	if c.TitleCache.TTL == 0 {
		c.TitleCache.TTL = int((6 * time.Hour).Seconds())
	}
	if c.TitleCache.MaxRetention == 0 {
		c.TitleCache.MaxRetention = int((72 * time.Hour).Seconds())
	}
	if c.TitleCache.Path == "" {
		c.TitleCache.Path = "titles.db"
	}
}

func (c *Config) validate() error {
	names := make(map[string]struct{}, len(c.Vaults))
	for _, v := range c.Vaults {
		if v.Name == "" {
			return fmt.Errorf("vault record without a name")
		}
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("duplicate vault name %q", v.Name)
		}
		names[v.Name] = struct{}{}
	}
	for _, d := range c.Devices {
		if d.Service == "" {
			return fmt.Errorf("device record without a service")
		}
		if (d.WVD == "") == (d.Remote == nil) {
			return fmt.Errorf("device for %s: exactly one of wvd or remote must be set", d.Service)
		}
	}
	if c.TitleCache.MaxRetention < c.TitleCache.TTL {
		return fmt.Errorf("title_cache: max_retention below ttl")
	}
	return nil
}
