package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML config as JSON so both formats go through the
// same strict decoder. Other paths pass through untouched. Errors name the
// file and, once the document parsed, the top-level section at fault.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	if !isYAMLPath(path) {
		return data, nil
	}
	name := filepath.Base(path)

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: line %d: expected a mapping of sections", name, root.Line)
	}

	sections := make(map[string]any, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, node := root.Content[i], root.Content[i+1]
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: section %q (line %d): %w", name, key.Value, key.Line, err)
		}
		v, err := stringKeys(v)
		if err != nil {
			return nil, fmt.Errorf("%s: section %q (line %d): %w", name, key.Value, key.Line, err)
		}
		sections[key.Value] = v
	}
	return json.Marshal(sections)
}

// stringKeys rejects mappings JSON cannot represent, such as `1: x`.
func stringKeys(in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		for k := range x {
			if _, ok := k.(string); !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
		}
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k.(string)] = v
		}
		return stringKeys(m)
	case []any:
		for i := range x {
			nv, err := stringKeys(x[i])
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			x[i] = nv
		}
		return x, nil
	}
	return in, nil
}
