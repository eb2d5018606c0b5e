// Package config loads server configuration.
//
// Values are layered: built-in defaults, then an optional HCL file, then
// DILEMMA_* environment variables. Command line flags are applied last by
// the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/holiman/uint256"
)

// Config is the complete server configuration. Every block is optional in
// the file; missing blocks and attributes take their defaults.
type Config struct {
	Server *ServerSettings `hcl:"server,block"`
	Store  *StoreSettings  `hcl:"store,block"`
	Engine *EngineSettings `hcl:"engine,block"`
}

// ServerSettings controls the listener and logging.
type ServerSettings struct {
	Address  string `hcl:"address,optional" env:"DILEMMA_ADDRESS"`
	Port     int    `hcl:"port,optional" env:"DILEMMA_PORT"`
	LogLevel string `hcl:"log_level,optional" env:"DILEMMA_LOG_LEVEL"`
	// AuthURL enables hello token validation against an external service.
	AuthURL    string `hcl:"auth_url,optional" env:"DILEMMA_AUTH_URL"`
	AuthSecret string `hcl:"auth_secret,optional" env:"DILEMMA_AUTH_SECRET"`
}

// StoreSettings selects the persistence backend.
type StoreSettings struct {
	Backend string `hcl:"backend,optional" env:"DILEMMA_STORE"`
	Dir     string `hcl:"dir,optional" env:"DILEMMA_DATA_DIR"`
}

// EngineSettings seeds the engine on first start.
type EngineSettings struct {
	// Owner is recorded by the one-time initialisation.
	Owner string `hcl:"owner,optional" env:"DILEMMA_OWNER"`
	// MinStake is a decimal amount.
	MinStake string `hcl:"min_stake,optional" env:"DILEMMA_MIN_STAKE"`
	// Funding is deposited into the vault at start so settlements that pay
	// out more than the escrowed stakes can be covered.
	Funding string `hcl:"funding,optional" env:"DILEMMA_FUNDING"`
	// RetryInterval is how often owed payments are retried. Empty disables.
	RetryInterval string `hcl:"retry_interval,optional" env:"DILEMMA_RETRY_INTERVAL"`
	// EntropySeed makes round counts reproducible when non-zero.
	EntropySeed int64 `hcl:"entropy_seed,optional" env:"DILEMMA_ENTROPY_SEED"`
}

var knownBackends = map[string]bool{"memory": true, "leveldb": true, "sqlite": true}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: &ServerSettings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
		Store: &StoreSettings{
			Backend: "memory",
			Dir:     "data",
		},
		Engine: &EngineSettings{
			MinStake: "1000",
			Funding:  "0",
		},
	}
}

// Load reads filename if it exists and overlays the environment. An empty
// filename skips the file.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			file, err := parseFile(filename)
			if err != nil {
				return nil, err
			}
			cfg.merge(file)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", filename, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

func parseFile(filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: failed to parse HCL file: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: failed to decode HCL: %s", diags.Error())
	}
	return &cfg, nil
}

// merge copies every value set in file over c.
func (c *Config) merge(file *Config) {
	if s := file.Server; s != nil {
		setString(&c.Server.Address, s.Address)
		setString(&c.Server.LogLevel, s.LogLevel)
		setString(&c.Server.AuthURL, s.AuthURL)
		setString(&c.Server.AuthSecret, s.AuthSecret)
		if s.Port != 0 {
			c.Server.Port = s.Port
		}
	}
	if s := file.Store; s != nil {
		setString(&c.Store.Backend, s.Backend)
		setString(&c.Store.Dir, s.Dir)
	}
	if s := file.Engine; s != nil {
		setString(&c.Engine.Owner, s.Owner)
		setString(&c.Engine.MinStake, s.MinStake)
		setString(&c.Engine.Funding, s.Funding)
		setString(&c.Engine.RetryInterval, s.RetryInterval)
		if s.EntropySeed != 0 {
			c.Engine.EntropySeed = s.EntropySeed
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Server.Port)
	}
	if !knownBackends[c.Store.Backend] {
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Dir == "" {
		return fmt.Errorf("config: store backend %s needs a data directory", c.Store.Backend)
	}
	if c.Engine.Owner != "" && !common.IsHexAddress(c.Engine.Owner) {
		return fmt.Errorf("config: owner %q is not a hex address", c.Engine.Owner)
	}
	if _, err := c.MinStake(); err != nil {
		return err
	}
	if _, err := c.Funding(); err != nil {
		return err
	}
	if _, err := c.RetryInterval(); err != nil {
		return err
	}
	return nil
}

// ListenAddress returns host:port for the listener.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// Owner returns the configured owner, or the zero address.
func (c *Config) Owner() common.Address {
	return common.HexToAddress(c.Engine.Owner)
}

// MinStake parses the configured minimum stake.
func (c *Config) MinStake() (uint256.Int, error) {
	return parseAmount("min_stake", c.Engine.MinStake)
}

// Funding parses the configured vault funding.
func (c *Config) Funding() (uint256.Int, error) {
	return parseAmount("funding", c.Engine.Funding)
}

// RetryInterval parses the owed payment retry interval. Zero disables.
func (c *Config) RetryInterval() (time.Duration, error) {
	if c.Engine.RetryInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.RetryInterval)
	if err != nil {
		return 0, fmt.Errorf("config: retry_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: retry_interval must not be negative")
	}
	return d, nil
}

func parseAmount(name, v string) (uint256.Int, error) {
	if v == "" {
		return uint256.Int{}, nil
	}
	n, err := uint256.FromDecimal(v)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("config: %s %q: %w", name, v, err)
	}
	return *n, nil
}
