package patterns

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// tableFile is the YAML layout for custom pattern tables:
//
//	version: acme-2026.08
//	families:
//	  - name: instruction_override
//	    class: injection
//	    category: instruction_override
//	    severity: 0.85
//	    rules:
//	      - name: ignore_previous
//	        expr: '(?i)ignore\s+previous'
type tableFile struct {
	Version  string   `yaml:"version"`
	Families []Family `yaml:"families"`
}

// LoadFile parses a custom pattern table. Errors are ConfigError: malformed
// tables are fatal at startup, never tolerated per-request.
func LoadFile(path string) (string, []Family, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, &ConfigError{Source: path, Err: err}
	}

	var tf tableFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return "", nil, &ConfigError{Source: path, Err: fmt.Errorf("parse: %w", err)}
	}
	if tf.Version == "" {
		return "", nil, &ConfigError{Source: path, Err: fmt.Errorf("version missing")}
	}
	if len(tf.Families) == 0 {
		return "", nil, &ConfigError{Source: path, Err: fmt.Errorf("no families defined")}
	}

	// Compile now so a bad expression surfaces at load, not first scan.
	if _, _, err := compile(tf.Version, tf.Families); err != nil {
		return "", nil, err
	}

	return tf.Version, tf.Families, nil
}
