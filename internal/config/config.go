// Package config loads named connection entries for endpoint resolution.
//
// A configuration file lists connections and optionally designates one of
// them as the default:
//
//	default: main
//	connections:
//	  - name: main
//	    connection_string: /var/lib/app/app.db
//	    driver: sqlite3
//	  - name: reporting
//	    connection_string: postgres://reporting@db/reports
//	    driver: pgx
//
// YAML (.yaml, .yml) and CUE (.cue) files are accepted. CUE files are
// validated against the embedded schema before decoding.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/opscope/internal/errs"
)

//go:embed schema.cue
var schemaCUE string

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "OPSCOPE_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "opscope.yaml"

// Connection is a named connection entry.
type Connection struct {
	Name             string `yaml:"name" json:"name"`
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	Driver           string `yaml:"driver" json:"driver"`
}

// Config is the set of configured connections.
type Config struct {
	// Default names the connection used when callers do not pick one.
	// Optional when exactly one connection is configured.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	Connections []Connection `yaml:"connections" json:"connections"`
}

// Lookup returns the connection named name.
func (c *Config) Lookup(name string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}

// Validate checks required fields and name uniqueness.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connections[%d]: name is required", i)
		}
		if seen[conn.Name] {
			return fmt.Errorf("connections[%d]: duplicate name %q", i, conn.Name)
		}
		seen[conn.Name] = true
		if conn.ConnectionString == "" {
			return fmt.Errorf("connections[%d] (%s): connection_string is required", i, conn.Name)
		}
		if conn.Driver == "" {
			return fmt.Errorf("connections[%d] (%s): driver is required", i, conn.Name)
		}
	}
	return nil
}

// Locate returns the config path from EnvConfigPath, or DefaultPath.
func Locate() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return DefaultPath
}

// Load reads and validates the config file at path. The format is chosen by
// file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.load", "failed to read config file", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".cue":
		cfg, err = ParseCUE(path, data)
	default:
		return nil, errs.New(errs.KindConfiguration, "config.load", fmt.Sprintf("unsupported config format %q", ext))
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes a YAML document, rejecting unknown fields.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "failed to parse YAML", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "invalid config", err)
	}
	return &cfg, nil
}

// ParseCUE compiles a CUE document, unifies it with the #Config schema and
// decodes the concrete result. filename is used in error positions only.
func ParseCUE(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "building config schema", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "failed to parse CUE", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "config does not match schema", err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "decoding CUE value", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.parse", "invalid config", err)
	}
	return &cfg, nil
}
