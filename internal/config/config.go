package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/servers"
)

type ProviderConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"`
}

type AgentConfig struct {
	MaxIterations      int    `mapstructure:"max_iterations"`
	ProfilesDir        string `mapstructure:"profiles_dir"`
	MaxDelegationDepth int    `mapstructure:"max_delegation_depth"`
	ContextMaxTokens   int    `mapstructure:"context_max_tokens"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// MCPConfig tunes how connections to tool servers are established.
type MCPConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ClientName       string        `mapstructure:"client_name"`
}

type Config struct {
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	DefaultProvider string                    `mapstructure:"default_provider"`
	Agent           AgentConfig               `mapstructure:"agent"`
	Server          ServerConfig              `mapstructure:"server"`
	Storage         StorageConfig             `mapstructure:"storage"`
	MCP             MCPConfig                 `mapstructure:"mcp"`
	Servers         map[string]servers.Config `mapstructure:"-"`
}

// Load reads toolsmith.yaml from the working directory or ~/.toolsmith.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("toolsmith")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.toolsmith")
	return read(v)
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	return read(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("default_provider", "ollama")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.max_delegation_depth", 2)
	v.SetDefault("agent.context_max_tokens", 6000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".toolsmith", "toolsmith.db"))
	v.SetDefault("mcp.handshake_timeout", mcpconn.DefaultHandshakeTimeout)
	v.SetDefault("mcp.client_name", mcpconn.ClientName)
	return v
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Viper lowercases map keys, but server names, env var names and
	// header names are case-sensitive here.
	srv, err := readServers(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	cfg.Servers = srv

	// Provider keys are needed up front. Tool server references stay
	// unexpanded until a connection is made.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			p.APIKey = os.Getenv(p.APIKey[2 : len(p.APIKey)-1])
			cfg.Providers[name] = p
		}
	}

	return &cfg, nil
}

func readServers(path string) (map[string]servers.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var raw struct {
		Servers map[string]servers.Config `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing servers: %w", err)
	}
	return raw.Servers, nil
}

// IsOllama returns true if this provider looks like an Ollama instance.
func (p ProviderConfig) IsOllama() bool {
	return strings.Contains(p.BaseURL, ":11434") || strings.Contains(strings.ToLower(p.BaseURL), "ollama")
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Select resolves a provider and model, applying defaults: the default
// provider when name is empty and the provider's "default" model when model
// is empty. It returns the effective provider name.
func (c *Config) Select(name, model string) (string, ProviderConfig, string, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, err := c.Provider(name)
	if err != nil {
		return "", ProviderConfig{}, "", err
	}
	if model == "" {
		model = p.Models["default"]
	}
	if model == "" {
		return "", ProviderConfig{}, "", fmt.Errorf("no model configured for provider %s", name)
	}
	return name, p, model, nil
}

// ManagerOptions returns the connection manager options for this config.
func (c *Config) ManagerOptions() []mcpconn.Option {
	var opts []mcpconn.Option
	if c.MCP.HandshakeTimeout > 0 {
		opts = append(opts, mcpconn.WithHandshakeTimeout(c.MCP.HandshakeTimeout))
	}
	if c.MCP.ClientName != "" {
		opts = append(opts, mcpconn.WithClientInfo(c.MCP.ClientName, mcpconn.ClientVersion))
	}
	return opts
}
