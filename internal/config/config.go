package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"
)

const appName = "apirun"

type Config struct {
	Database *dbConfig      `json:"database,omitempty"`
	Service  *svcConfig     `json:"service,omitempty"`
	KV       *kvConfig      `json:"kv,omitempty"`
	Auth     *authConfig    `json:"auth,omitempty"`
	Runtime  *runtimeConfig `json:"runtime,omitempty"`
}

type dbConfig struct {
	Type     string `json:"type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	Address            string `json:"address,omitempty"`
	BaseUrl            string `json:"baseUrl,omitempty"`
	LogLevel           string `json:"logLevel,omitempty"`
	HttpMaxRequestSize int    `json:"httpMaxRequestSize,omitempty"`
}

type kvConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type authConfig struct {
	// SigningKey verifies HS256 bearer tokens when set. Hosts with their
	// own identity provider plug in a different validator instead.
	SigningKey string `json:"signingKey,omitempty"`
}

type runtimeConfig struct {
	// MountPrefix is the fixed URL prefix under which all custom endpoints
	// are exposed.
	MountPrefix               string `json:"mountPrefix,omitempty"`
	DefinitionCacheTTLSeconds int    `json:"definitionCacheTTLSeconds,omitempty"`
	SandboxTimeoutSeconds     int    `json:"sandboxTimeoutSeconds,omitempty"`
	OutboundTimeoutSeconds    int    `json:"outboundTimeoutSeconds,omitempty"`
	EngineTimeoutSeconds      int    `json:"engineTimeoutSeconds,omitempty"`
	UserAgent                 string `json:"userAgent,omitempty"`
}

func (c *Config) String() string {
	contents, err := json.Marshal(c)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}

func (r *runtimeConfig) DefinitionCacheTTL() time.Duration {
	return time.Duration(r.DefinitionCacheTTLSeconds) * time.Second
}

func (r *runtimeConfig) SandboxTimeout() time.Duration {
	return time.Duration(r.SandboxTimeoutSeconds) * time.Second
}

func (r *runtimeConfig) OutboundTimeout() time.Duration {
	return time.Duration(r.OutboundTimeoutSeconds) * time.Second
}

func (r *runtimeConfig) EngineTimeout() time.Duration {
	return time.Duration(r.EngineTimeoutSeconds) * time.Second
}

func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "apirun",
			User:     "admin",
			Password: "adminpass",
		},
		Service: &svcConfig{
			Address:            ":3333",
			BaseUrl:            "http://localhost:3333",
			LogLevel:           "info",
			HttpMaxRequestSize: 10 * 1024 * 1024,
		},
		KV: &kvConfig{
			Hostname: "localhost",
			Port:     6379,
		},
		Auth: &authConfig{},
		Runtime: &runtimeConfig{
			MountPrefix:               "/lowcode/custom",
			DefinitionCacheTTLSeconds: 60,
			SandboxTimeoutSeconds:     10,
			OutboundTimeoutSeconds:    30,
			EngineTimeoutSeconds:      60,
			UserAgent:                 "apirun-runtime/1.0",
		},
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %w", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Runtime == nil || cfg.Runtime.MountPrefix == "" {
		return fmt.Errorf("runtime.mountPrefix must be set")
	}
	if cfg.Runtime.DefinitionCacheTTLSeconds <= 0 {
		return fmt.Errorf("runtime.definitionCacheTTLSeconds must be positive")
	}
	if cfg.Service == nil || cfg.Service.Address == "" {
		return fmt.Errorf("service.address must be set")
	}
	return nil
}

// applyEnvOverrides lets deployments tune the runtime knobs without a config
// file change.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APIRUN_MOUNT_PREFIX"); v != "" {
		cfg.Runtime.MountPrefix = v
	}
	if v := os.Getenv("APIRUN_USER_AGENT"); v != "" {
		cfg.Runtime.UserAgent = v
	}
	setIntFromEnv("APIRUN_CACHE_TTL", &cfg.Runtime.DefinitionCacheTTLSeconds)
	setIntFromEnv("APIRUN_SANDBOX_TIMEOUT", &cfg.Runtime.SandboxTimeoutSeconds)
	setIntFromEnv("APIRUN_OUTBOUND_TIMEOUT", &cfg.Runtime.OutboundTimeoutSeconds)
	setIntFromEnv("APIRUN_ENGINE_TIMEOUT", &cfg.Runtime.EngineTimeoutSeconds)
}

func setIntFromEnv(key string, target *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*target = n
	}
}
