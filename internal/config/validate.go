package config

import (
	"fmt"
	"net"
	"strings"
)

const (
	builtinPrefix = "builtin:"
	builtinAccept = "builtin:accept"
	builtinReject = "builtin:reject"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// validate performs validation on the merged configuration.
func validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}
	if cfg.Service.DrainTimeout < 0 {
		return fmt.Errorf("service.drain_timeout must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if cfg.API.Enabled {
		if err := validateAPI(cfg.API); err != nil {
			return err
		}
	}

	if cfg.Stats.TTL < 0 {
		return fmt.Errorf("stats.ttl must not be negative")
	}

	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	names := make(map[string]bool)
	listens := make(map[string]string)
	paths := make(map[string]string)
	needsIntake := false
	for i, ep := range cfg.Endpoints {
		if err := validateEndpoint(ep); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate endpoint name %q", i, ep.Name)
		}
		names[ep.Name] = true

		if ep.Listen != "" {
			if other, dup := listens[ep.Listen]; dup {
				return fmt.Errorf("endpoint %q: listen %s already used by %q", ep.Name, ep.Listen, other)
			}
			listens[ep.Listen] = ep.Name
		}
		if ep.HTTPPath != "" {
			if other, dup := paths[ep.HTTPPath]; dup {
				return fmt.Errorf("endpoint %q: http_path %s already used by %q", ep.Name, ep.HTTPPath, other)
			}
			paths[ep.HTTPPath] = ep.Name
			needsIntake = true
		}
	}

	if needsIntake && cfg.HTTPIntake.Listen == "" {
		return fmt.Errorf("http_intake.listen is required when an endpoint sets http_path")
	}
	if needsIntake && cfg.HTTPIntake.Listen == cfg.API.Listen && cfg.API.Enabled {
		return fmt.Errorf("http_intake.listen must differ from api.listen")
	}

	if usesPlugins(cfg) && cfg.PipelinesDir == "" {
		return fmt.Errorf("pipelines_dir is required")
	}

	return nil
}

func validateAPI(api APIConfig) error {
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
	}
	if err := checkResolved("api.auth.api_key", api.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range api.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if tok.Token == "" {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := checkResolved(field+".token", tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must be non-empty", field)
		}
	}
	if api.RateLimit.RPS < 0 || api.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}
	return nil
}

func validateEndpoint(ep EndpointConfig) error {
	if ep.Name == "" {
		return fmt.Errorf("name is required")
	}
	if ep.Listen == "" && ep.HTTPPath == "" {
		return fmt.Errorf("endpoint %q: listen or http_path is required", ep.Name)
	}
	if ep.Listen != "" {
		if _, _, err := net.SplitHostPort(ep.Listen); err != nil {
			return fmt.Errorf("endpoint %q: invalid listen address %q: %w", ep.Name, ep.Listen, err)
		}
	}
	if ep.HTTPPath != "" && !strings.HasPrefix(ep.HTTPPath, "/") {
		return fmt.Errorf("endpoint %q: http_path must start with /", ep.Name)
	}
	if !ep.IsAutoAck() && ep.Timeout <= 0 {
		return fmt.Errorf("endpoint %q: timeout must be positive when auto_ack is false", ep.Name)
	}
	if ep.Workers < 0 {
		return fmt.Errorf("endpoint %q: workers must not be negative", ep.Name)
	}
	if ep.Pipeline == "" {
		return fmt.Errorf("endpoint %q: pipeline is required", ep.Name)
	}
	if strings.HasPrefix(ep.Pipeline, builtinPrefix) && ep.Pipeline != builtinAccept && ep.Pipeline != builtinReject {
		return fmt.Errorf("endpoint %q: unknown builtin pipeline %q", ep.Name, ep.Pipeline)
	}
	if ep.PipelineTimeout < 0 {
		return fmt.Errorf("endpoint %q: pipeline_timeout must not be negative", ep.Name)
	}
	if _, err := ep.MaxMessageBytes(); err != nil {
		return fmt.Errorf("endpoint %q: max_message_size: %w", ep.Name, err)
	}
	if err := checkResolved(fmt.Sprintf("endpoint %q: secret", ep.Name), ep.Secret); err != nil {
		return err
	}
	return nil
}

func usesPlugins(cfg *Config) bool {
	for _, ep := range cfg.Endpoints {
		if !strings.HasPrefix(ep.Pipeline, builtinPrefix) {
			return true
		}
	}
	return false
}

// checkResolved rejects values still holding a ${VAR} placeholder so that a
// missing secret fails at startup rather than being used literally.
func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
