// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a Weft node.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Node identifies this node and its key material.
	Node NodeConfig `yaml:"node"`

	// Listen configures the inbound TCP listener.
	Listen ListenConfig `yaml:"listen"`

	// Relay configures the relay connection for NAT-bound nodes.
	Relay RelayConfig `yaml:"relay"`

	// Transport configures outbound route selection.
	Transport TransportConfig `yaml:"transport"`

	// Retry configures the outbound retry policy.
	Retry RetryConfig `yaml:"retry"`

	// Ping configures periodic liveness probes.
	Ping PingConfig `yaml:"ping"`

	// Storage configures on-disk state.
	Storage StorageConfig `yaml:"storage"`

	// Registry configures identity resolution.
	Registry RegistryConfig `yaml:"registry"`

	// ICE configures the WebRTC peer transport.
	ICE ICEConfig `yaml:"ice"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Listen   *ListenConfig   `yaml:"listen,omitempty"`
	Relay    *RelayConfig    `yaml:"relay,omitempty"`
	Storage  *StorageConfig  `yaml:"storage,omitempty"`
	Registry *RegistryConfig `yaml:"registry,omitempty"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// Identity is the node's full identity, e.g. @@alpha.weft/main.
	Identity string `yaml:"identity"`

	// KeyringFile is the path to the sealed keyring file.
	KeyringFile string `yaml:"keyring_file"`
}

// ListenConfig configures the inbound TCP listener.
type ListenConfig struct {
	// Address is the host:port to listen on. Empty disables the
	// direct listener; the node is then reachable only via relay or
	// peer transport.
	Address string `yaml:"address"`
}

// RelayConfig configures the outbound relay connection.
type RelayConfig struct {
	// Address is the relay server's host:port. Empty disables the
	// relay listener.
	Address string `yaml:"address"`
}

// TransportConfig configures outbound route selection.
type TransportConfig struct {
	// Order lists routes tried per send attempt. Valid entries:
	// direct, peer, relay. Default: [direct, peer, relay].
	Order []string `yaml:"order"`
}

// RetryConfig configures the outbound retry policy.
type RetryConfig struct {
	// MaxAttempts is how many immediate attempts a send makes before
	// queuing durably. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseBackoff is the delay before the second attempt; each later
	// attempt multiplies it. Default: 4s.
	BaseBackoff Duration `yaml:"base_backoff"`

	// MaxBackoff caps the per-attempt delay. Default: 5m.
	MaxBackoff Duration `yaml:"max_backoff"`

	// Interval is how often the durable retry queue is drained.
	// Default: 30s.
	Interval Duration `yaml:"interval"`
}

// PingConfig configures periodic liveness probes.
type PingConfig struct {
	// Interval between ping rounds. Zero disables pinging.
	Interval Duration `yaml:"interval"`

	// Peers are the identities pinged every round.
	Peers []string `yaml:"peers"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	// Root is the base directory for Weft data.
	Root string `yaml:"root"`

	// QueueDB is the SQLite database holding the inbound job queues.
	// Default: ${WEFT_ROOT}/queue.db.
	QueueDB string `yaml:"queue_db"`

	// RetryDB is the SQLite database holding the outbound retry
	// queue. Kept separate from QueueDB so the two queue managers
	// never see each other's queue names. Default:
	// ${WEFT_ROOT}/retry.db.
	RetryDB string `yaml:"retry_db"`
}

// RegistryConfig configures identity resolution.
type RegistryConfig struct {
	// URL is the HTTP identity registry endpoint. Takes precedence
	// over PeersFile when both are set.
	URL string `yaml:"url"`

	// PeersFile is a local JSONC file of identity records, for
	// development and air-gapped deployments.
	PeersFile string `yaml:"peers_file"`

	// CacheTTL is how long resolved records are served from cache.
	// Default: 10m.
	CacheTTL Duration `yaml:"cache_ttl"`

	// NegativeTTL is how long resolution failures are cached.
	// Default: 30s.
	NegativeTTL Duration `yaml:"negative_ttl"`
}

// ICEConfig configures the WebRTC peer transport.
type ICEConfig struct {
	// URLs are STUN/TURN server URLs. Empty leaves the peer
	// transport on host candidates only.
	URLs []string `yaml:"urls"`

	// Username and Credential authenticate against TURN servers.
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`

	// Signaler is the HTTP signaling endpoint peers exchange SDP
	// through. Empty disables the peer transport.
	Signaler string `yaml:"signaler"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "weft")

	return &Config{
		Environment: Development,
		Transport: TransportConfig{
			Order: []string{"direct", "peer", "relay"},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: Duration(4 * time.Second),
			MaxBackoff:  Duration(5 * time.Minute),
			Interval:    Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Root:    defaultRoot,
			QueueDB: filepath.Join(defaultRoot, "queue.db"),
			RetryDB: filepath.Join(defaultRoot, "retry.db"),
		},
		Registry: RegistryConfig{
			CacheTTL:    Duration(10 * time.Minute),
			NegativeTTL: Duration(30 * time.Second),
		},
	}
}

// Load loads configuration from the WEFT_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if WEFT_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("WEFT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WEFT_CONFIG environment variable not set; " +
			"set it to the path of your weft.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Listen != nil && overrides.Listen.Address != "" {
		c.Listen.Address = overrides.Listen.Address
	}

	if overrides.Relay != nil && overrides.Relay.Address != "" {
		c.Relay.Address = overrides.Relay.Address
	}

	if overrides.Storage != nil {
		if overrides.Storage.Root != "" {
			c.Storage.Root = overrides.Storage.Root
		}
		if overrides.Storage.QueueDB != "" {
			c.Storage.QueueDB = overrides.Storage.QueueDB
		}
		if overrides.Storage.RetryDB != "" {
			c.Storage.RetryDB = overrides.Storage.RetryDB
		}
	}

	if overrides.Registry != nil {
		if overrides.Registry.URL != "" {
			c.Registry.URL = overrides.Registry.URL
		}
		if overrides.Registry.PeersFile != "" {
			c.Registry.PeersFile = overrides.Registry.PeersFile
		}
		if overrides.Registry.CacheTTL > 0 {
			c.Registry.CacheTTL = overrides.Registry.CacheTTL
		}
		if overrides.Registry.NegativeTTL > 0 {
			c.Registry.NegativeTTL = overrides.Registry.NegativeTTL
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WEFT_ROOT": c.Storage.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["WEFT_ROOT"] = c.Storage.Root // Update for dependent paths.

	c.Storage.QueueDB = expandVars(c.Storage.QueueDB, vars)
	c.Storage.RetryDB = expandVars(c.Storage.RetryDB, vars)
	c.Node.KeyringFile = expandVars(c.Node.KeyringFile, vars)
	c.Registry.PeersFile = expandVars(c.Registry.PeersFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var validRoutes = []string{"direct", "peer", "relay"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Node.Identity == "" {
		errs = append(errs, fmt.Errorf("node.identity is required"))
	}

	if c.Node.KeyringFile == "" {
		errs = append(errs, fmt.Errorf("node.keyring_file is required"))
	}

	if c.Storage.Root == "" {
		errs = append(errs, fmt.Errorf("storage.root is required"))
	}

	if c.Registry.URL == "" && c.Registry.PeersFile == "" {
		errs = append(errs, fmt.Errorf("one of registry.url or registry.peers_file is required"))
	}

	if c.Environment == Production && c.Registry.URL == "" {
		errs = append(errs, fmt.Errorf("registry.url is required in production; peers_file is development-only"))
	}

	for _, route := range c.Transport.Order {
		if !contains(validRoutes, route) {
			errs = append(errs, fmt.Errorf("transport.order entry %q must be one of: %v", route, validRoutes))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}

	if c.Ping.Interval > 0 && len(c.Ping.Peers) == 0 {
		errs = append(errs, fmt.Errorf("ping.interval set but ping.peers is empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Storage.Root,
		filepath.Dir(c.Storage.QueueDB),
		filepath.Dir(c.Storage.RetryDB),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
