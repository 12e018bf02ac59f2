package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig is the declarative form of a registry.
//
//	name: todo-sync
//	version: 2
//	tables:
//	  todo:
//	    fields: {id: string, title: string, completed: boolean, createdAt: date}
//	    keys: [id, completed, createdAt]
//	previous:
//	  - version: 1
//	    keys: {todo: [id, completed]}
type FileConfig struct {
	Name     string               `json:"name" yaml:"name" toml:"name"`
	Version  int                  `json:"version" yaml:"version" toml:"version"`
	Tables   map[string]FileTable `json:"tables" yaml:"tables" toml:"tables"`
	Previous []FileVersion        `json:"previous" yaml:"previous" toml:"previous"`
}

// FileTable declares one table.
type FileTable struct {
	Fields map[string]string `json:"fields" yaml:"fields" toml:"fields"`
	Keys   []string          `json:"keys" yaml:"keys" toml:"keys"`
}

// FileVersion declares a previous version. File-declared versions have no
// upgrade routine.
type FileVersion struct {
	Version int                 `json:"version" yaml:"version" toml:"version"`
	Keys    map[string][]string `json:"keys" yaml:"keys" toml:"keys"`
}

// LoadFile reads a registry from a .yaml, .yml, .toml or .json file.
func LoadFile(path string) (*Registry, error) {
	// #nosec G304 - path comes from CLI configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		_, err = toml.Decode(string(data), &fc)
	case ".json":
		err = json.Unmarshal(data, &fc)
	default:
		return nil, fmt.Errorf("unsupported schema file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}

	cfg, err := fc.Config()
	if err != nil {
		return nil, err
	}
	return Register(cfg)
}

// Config converts the declarative form into a registry Config.
func (fc FileConfig) Config() (Config, error) {
	cfg := Config{
		Name:    fc.Name,
		Version: fc.Version,
		Schema:  make(map[string]FieldSet, len(fc.Tables)),
		Keys:    make(KeyDefinition, len(fc.Tables)),
	}
	for table, def := range fc.Tables {
		fields := make(Fields, len(def.Fields))
		for name, spec := range def.Fields {
			f, err := ParseField(spec)
			if err != nil {
				return Config{}, configErrorf(table, "field %s: %v", name, err)
			}
			fields[name] = f
		}
		cfg.Schema[table] = fields
		if def.Keys != nil {
			cfg.Keys[table] = def.Keys
		}
	}
	for _, prev := range fc.Previous {
		cfg.Previous = append(cfg.Previous, VersionDefinition{
			Number: prev.Version,
			Keys:   KeyDefinition(prev.Keys),
		})
	}
	return cfg, nil
}
