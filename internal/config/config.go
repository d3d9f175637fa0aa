// Package config loads the service key used for DUR lookups.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyEnv overrides DECODING_KEY from the file when set.
const KeyEnv = "MEDLENS_DECODING_KEY"

// File is the on-disk configuration.
type File struct {
	DecodingKey string `yaml:"DECODING_KEY" json:"DECODING_KEY"`
}

// Load reads a .yaml, .yml or .json config file. Errors for a missing file
// wrap fs.ErrNotExist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	f.DecodingKey = strings.TrimSpace(f.DecodingKey)
	return &f, nil
}

// APIKey returns the service key, preferring the environment. f may be nil.
func APIKey(f *File) string {
	if v := strings.TrimSpace(os.Getenv(KeyEnv)); v != "" {
		return v
	}
	if f == nil {
		return ""
	}
	return f.DecodingKey
}
