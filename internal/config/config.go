// Package config loads the poncho configuration: YAML file, .env, and
// environment overrides, with working defaults for a bare checkout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ponchohq/poncho/internal/mcp"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/tools/policy"
)

// DefaultAuthTokenEnv names the env var holding the API bearer token.
const DefaultAuthTokenEnv = "PONCHO_AUTH_TOKEN"

// Config is the full runtime configuration.
type Config struct {
	// Environment is development, staging, or production.
	Environment policy.Environment `yaml:"environment"`

	// Manifest is the AGENT.md path.
	Manifest string `yaml:"manifest"`

	// WorkingDir roots the built-in filesystem tools.
	WorkingDir string `yaml:"workingDir"`

	// SkillDirs are scanned for SKILL.md manifests.
	SkillDirs []string `yaml:"skillDirs"`

	Server    Server             `yaml:"server"`
	Auth      Auth               `yaml:"auth"`
	Store     store.Config       `yaml:"store"`
	Tools     Tools              `yaml:"tools"`
	Servers   []mcp.ServerConfig `yaml:"toolServers"`
	Approvals Approvals          `yaml:"approvals"`
	Slack     Slack              `yaml:"slack"`
}

// Server configures the HTTP listener.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Auth configures API and browser authentication.
type Auth struct {
	// TokenEnv names the env var carrying the bearer token. Empty means
	// DefaultAuthTokenEnv.
	TokenEnv string `yaml:"tokenEnv"`

	// Passphrase enables browser login when set.
	Passphrase string `yaml:"passphrase"`

	// JWTSecret signs session cookies; generated at startup when empty.
	JWTSecret string `yaml:"jwtSecret"`

	// SessionTTL bounds browser sessions. Zero means 24h.
	SessionTTL time.Duration `yaml:"sessionTTL"`
}

// Token resolves the API bearer token from the environment.
func (a Auth) Token() string {
	env := a.TokenEnv
	if env == "" {
		env = DefaultAuthTokenEnv
	}
	return os.Getenv(env)
}

// Tools configures built-in tool behavior.
type Tools struct {
	Filesystem Filesystem `yaml:"filesystem"`
}

// Filesystem controls the built-in filesystem tools.
type Filesystem struct {
	// AllowWrite re-enables write_file in production.
	AllowWrite bool `yaml:"allowWrite"`
}

// Approvals configures the arbiter.
type Approvals struct {
	// Timeout treats an unanswered approval as denied. Zero waits for the
	// run's lifetime.
	Timeout time.Duration `yaml:"timeout"`
}

// Slack configures the messaging bridge.
type Slack struct {
	Enabled bool `yaml:"enabled"`

	// BotTokenEnv and AppTokenEnv name env vars; tokens never live in the
	// config file.
	BotTokenEnv string `yaml:"botTokenEnv"`
	AppTokenEnv string `yaml:"appTokenEnv"`
}

// Load reads the config file (optional), layering .env and environment
// overrides on top of defaults.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: policy.EnvDevelopment,
		Manifest:    "AGENT.md",
		WorkingDir:  ".",
		SkillDirs:   []string{"skills"},
		Server:      Server{Host: "0.0.0.0", Port: 8700},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv("PONCHO_ENV"); env != "" {
		cfg.Environment = policy.Environment(env)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Server.Port = p
	}
	if pass := os.Getenv("PONCHO_PASSPHRASE"); pass != "" {
		cfg.Auth.Passphrase = pass
	}

	switch cfg.Environment {
	case policy.EnvDevelopment, policy.EnvStaging, policy.EnvProduction:
	default:
		return nil, fmt.Errorf("unknown environment %q", cfg.Environment)
	}
	return cfg, nil
}
