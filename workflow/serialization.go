package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowsmith/flowsmith/types"
)

// ToJSON serializes the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ToYAML serializes the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	return yaml.Marshal(d)
}

// DefinitionFromJSON parses a definition and rejects it on hard
// validation errors. Warnings do not block.
func DefinitionFromJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "parse definition: %v", err)
	}
	if err := ValidateDefinition(&def).Err(); err != nil {
		return nil, err
	}
	return &def, nil
}

// DefinitionFromYAML parses a YAML definition, same contract as
// DefinitionFromJSON.
func DefinitionFromYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "parse definition: %v", err)
	}
	if err := ValidateDefinition(&def).Err(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a definition file, picking the format from the
// extension: .yaml and .yml parse as YAML, everything else as JSON.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DefinitionFromYAML(data)
	default:
		return DefinitionFromJSON(data)
	}
}

// Save writes the definition to a file, format picked by extension.
func (d *Definition) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = d.ToYAML()
	default:
		data, err = d.ToJSON()
	}
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
