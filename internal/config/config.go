// Package config loads the YAML configuration documents for the
// diagnosis server and participant node binaries (§3.3, §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dstotijn/ssev/internal/model"
)

// ConfigError wraps a YAML parse or validation failure. Per the error
// taxonomy it is always fatal: the process exits nonzero before doing
// any protocol work.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DSConfig is the diagnosis server's configuration document.
type DSConfig struct {
	// ListenAddr is the TCP address the DS RPC server binds.
	ListenAddr string `yaml:"listen_addr"`
	// Params are the protocol-wide tunables; zero fields take the
	// documented defaults.
	Params model.SystemParams `yaml:"params"`
}

// PNConfig is the participant node's configuration document.
type PNConfig struct {
	// Name identifies this participant in logs.
	Name string `yaml:"name"`
	// DSAddr is the diagnosis server's RPC address.
	DSAddr string `yaml:"ds_addr"`
	// ForwarderAddr is the address this PN's forwarder listener binds.
	ForwarderAddr string `yaml:"forwarder_addr"`
	// PositivelyTested seeds whether this PN starts a computation on
	// its own TEK history at startup (test/demo convenience; the real
	// trigger is an operator or health-authority action).
	PositivelyTested bool `yaml:"positively_tested"`
	// Params are the protocol-wide tunables; zero fields take the
	// documented defaults.
	Params model.SystemParams `yaml:"params"`
}

// LoadDS reads and validates a DS configuration file at path.
func LoadDS(path string) (*DSConfig, error) {
	var cfg DSConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Params.ApplyDefaults()
	if cfg.ListenAddr == "" {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("listen_addr is required")}
	}
	return &cfg, nil
}

// LoadPN reads and validates a PN configuration file at path.
func LoadPN(path string) (*PNConfig, error) {
	var cfg PNConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Params.ApplyDefaults()
	if cfg.Name == "" {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("name is required")}
	}
	if cfg.DSAddr == "" {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("ds_addr is required")}
	}
	if cfg.ForwarderAddr == "" {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("forwarder_addr is required")}
	}
	return &cfg, nil
}

func decodeFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	return nil
}
