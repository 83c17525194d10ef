package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a document encoding for definitions and chains.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks a format from a content type or file name, falling back to sniffing the body.
func DetectFormat(hint string, data []byte) Format {
	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "json"):
		return FormatJSON
	case strings.Contains(hint, "yaml"), strings.HasSuffix(hint, ".yml"):
		return FormatYAML
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// ParseDefinition decodes a definition and validates its graph.
// Unknown fields are rejected in both formats.
func ParseDefinition(data []byte, format Format) (*Definition, error) {
	var def Definition
	if err := decode(data, format, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if _, err := BuildLevels(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseChain decodes a chain and checks its structure.
func ParseChain(data []byte, format Format) (*Chain, error) {
	var c Chain
	if err := decode(data, format, &c); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDefinitionFile reads a definition from a .json, .yaml or .yml file.
func LoadDefinitionFile(filename string) (*Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseDefinition(data, DetectFormat(filepath.Ext(filename), data))
}

// ToYAML renders the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

// ToJSON renders the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

func decode(data []byte, format Format, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ValidationError{Reason: "document is empty"}
	}
	if format == FormatJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
