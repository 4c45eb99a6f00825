package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redacted
	}
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		tok.Token = redacted
		out.API.Auth.Tokens[i] = tok
	}
	if out.Stats.RedisPassword != "" {
		out.Stats.RedisPassword = redacted
	}
	out.Endpoints = make([]EndpointConfig, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Secret != "" {
			ep.Secret = redacted
		}
		out.Endpoints[i] = ep
	}
	return &out
}

// Endpoint returns the endpoint named name.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// GetPath retrieves a value using a dot-notation path ("api.listen") or an
// entity address ("endpoint:adt-in", "endpoint:*"), optionally followed by a
// field path ("endpoint:adt-in.timeout").
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		address, field, _ := strings.Cut(path, ".")
		entity, err := c.GetEntity(address)
		if err != nil {
			return nil, err
		}
		if field == "" {
			return entity, nil
		}
		m, err := toMap(entity)
		if err != nil {
			return nil, err
		}
		return getValue(m, field)
	}

	m, err := toMap(c)
	if err != nil {
		return nil, err
	}
	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "endpoint":
		if name == "*" {
			return c.Endpoints, nil
		}
		ep, ok := c.Endpoint(name)
		if !ok {
			return nil, fmt.Errorf("endpoint %q not found", name)
		}
		return ep, nil
	case "token":
		for _, tok := range c.API.Auth.Tokens {
			if tok.Name == name {
				return tok, nil
			}
		}
		return nil, fmt.Errorf("token %q not found", name)
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}

		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
