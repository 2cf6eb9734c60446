package app

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PARLEY_"

// ApplyConfigFile loads a YAML file and exports its values as PARLEY_*
// environment variables that are not already set, so the precedence is
// defaults < file < environment for every package that reads the env.
//
// Nested maps are joined with underscores and keys are upper-cased:
//
//	http_addr: ":8080"
//	ws:
//	  allowed_origins: "https://app.example.com"
//
// becomes PARLEY_HTTP_ADDR and PARLEY_WS_ALLOWED_ORIGINS. Lists become CSV.
// It returns the keys it set.
func ApplyConfigFile(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	flat := make(map[string]string)
	if err := flattenConfig(flat, "", doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var applied []string
	for _, k := range keys {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, flat[k]); err != nil {
			return applied, err
		}
		applied = append(applied, k)
	}
	return applied, nil
}

func flattenConfig(out map[string]string, prefix string, v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := strings.ToUpper(strings.TrimSpace(k))
			key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
			if key == "" {
				continue
			}
			if prefix != "" {
				key = prefix + "_" + key
			}
			if err := flattenConfig(out, key, child); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return nil
	}

	if prefix == "" {
		return fmt.Errorf("top level must be a mapping")
	}
	key := prefix
	if !strings.HasPrefix(key, envPrefix) {
		key = envPrefix + key
	}

	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if _, nested := item.(map[string]any); nested {
				return fmt.Errorf("%s: list items must be scalars", key)
			}
			parts = append(parts, fmt.Sprint(item))
		}
		out[key] = strings.Join(parts, ",")
	default:
		out[key] = fmt.Sprint(t)
	}
	return nil
}
