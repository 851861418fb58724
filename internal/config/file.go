package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// readConfigFile reads a YAML mapping of env var names to values. Scalars are
// used as-is and sequences are joined with ",". ${VAR} references are
// expanded from lookup.
func readConfigFile(path string, lookup func(string) (string, bool)) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	expand := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	values := make(map[string]string, len(doc))
	for key, node := range doc {
		v, err := nodeValue(&node)
		if err != nil {
			return nil, fmt.Errorf("config file %s: key %s: %w", path, key, err)
		}
		values[key] = os.Expand(v, expand)
	}
	return values, nil
}

func nodeValue(node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return "", nil
		}
		return node.Value, nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("line %d: sequence entries must be scalars", item.Line)
			}
			parts = append(parts, item.Value)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("line %d: expected a scalar or a sequence of scalars", node.Line)
	}
}

// layeredLookup answers from the environment first and falls back to values.
func layeredLookup(env func(string) (string, bool), values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}

// configFileFromArgs finds --config ahead of flag parsing, since the file
// supplies the flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(v)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}
