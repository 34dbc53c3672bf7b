// Package config loads the YAML configuration shared by every sams
// daemon, recursively merging a base file with an optional override file
// the way original_source/sams/core.py's Config class merged its default
// and site configuration dictionaries.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is a generic, path-addressable configuration tree, matching the
// nested-mapping shape the original YAML files use (a top-level
// "sams.collector", "sams.aggregator", etc. key per component).
type Config struct {
	tree map[string]interface{}
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &Config{tree: tree}, nil
}

// LoadMerged loads a base config and, if overridePath is non-empty and the
// file exists, recursively merges it on top.
func LoadMerged(basePath, overridePath string) (*Config, error) {
	cfg, err := Load(basePath)
	if err != nil {
		return nil, err
	}

	if overridePath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(overridePath); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	override, err := Load(overridePath)
	if err != nil {
		return nil, err
	}

	cfg.tree = merge(cfg.tree, override.tree)
	return cfg, nil
}

// merge recursively overlays src onto dst, returning dst. Map values are
// merged key-by-key; any other value in src replaces the corresponding
// value in dst outright.
func merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = merge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// Get walks a dotted path (e.g. "sams.collector.sampler_interval") through
// the configuration tree and returns the value found there, or def if any
// segment is missing.
func (c *Config) Get(path string, def interface{}) interface{} {
	segments := strings.Split(path, ".")
	var cur interface{} = c.tree

	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return def
		}
		v, ok := m[seg]
		if !ok {
			return def
		}
		cur = v
	}
	return cur
}

// GetString is Get with a string type assertion and string default.
func (c *Config) GetString(path, def string) string {
	v := c.Get(path, def)
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// GetInt is Get with an int type assertion and int default. YAML numbers
// decode as int when they have no fractional part.
func (c *Config) GetInt(path string, def int) int {
	v := c.Get(path, def)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetFloat is Get with a float64 type assertion and float64 default.
func (c *Config) GetFloat(path string, def float64) float64 {
	v := c.Get(path, def)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// GetBool is Get with a bool type assertion and bool default.
func (c *Config) GetBool(path string, def bool) bool {
	v := c.Get(path, def)
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// GetStringSlice is Get with a []string type assertion.
func (c *Config) GetStringSlice(path string) []string {
	v := c.Get(path, nil)
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Sub returns the sub-tree rooted at path as a new Config, or an empty
// Config if the path does not resolve to a mapping.
func (c *Config) Sub(path string) *Config {
	v := c.Get(path, nil)
	m, _ := v.(map[string]interface{})
	return &Config{tree: m}
}
