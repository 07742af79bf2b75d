package hazard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadSeedFile loads a hazard snapshot from a JSON or YAML file.
// YAML files use the same field names as the JSON feed document.
func ReadSeedFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hazard seed %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeSetYAML(data)
	default:
		return DecodeSet(data)
	}
}

// DecodeSetYAML parses a YAML list of hazards into a snapshot
func DecodeSetYAML(data []byte) (*Set, error) {
	var docs []map[string]any
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode hazard snapshot: %w", err)
	}
	if docs == nil {
		return EmptySet(), nil
	}

	// Hazard fields carry JSON names only; go through JSON so both formats share them
	encoded, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hazard snapshot: %w", err)
	}
	return DecodeSet(encoded)
}
