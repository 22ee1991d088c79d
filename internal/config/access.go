package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value using a dot-separated path such as
// "engine.stop_timeout".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if strings.TrimSpace(path) == "" {
		return m, nil
	}

	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not a section", path, part)
		}
		cur, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
	}
	return cur, nil
}

// Redacted returns a copy safe to print: bearer tokens are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = "***"
	}
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Token: "***", Scopes: append([]string(nil), tok.Scopes...)}
	}
	return &out
}
