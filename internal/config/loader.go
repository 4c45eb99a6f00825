package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by DiscoverConfigPath.
const EnvConfigPath = "HL7GW_CONFIG"

// Load reads, merges, verifies and validates the configuration rooted at
// configPath. A directory is taken to contain config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	allPaths := make([]string, 0, len(visited))
	for path := range visited {
		allPaths = append(allPaths, path)
	}
	sort.Strings(allPaths)
	if err := verifyAllConfigHashes(allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file when none is given.
// Priority order: $HL7GW_CONFIG, ~/.config/hl7gw/config.yaml, /etc/hl7gw/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	candidates := []string{}
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "hl7gw", "config.yaml"))
	}
	candidates = append(candidates, "/etc/hl7gw/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/hl7gw/config.yaml, /etc/hl7gw/config.yaml, ./config.yaml)", EnvConfigPath)
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	if !filepath.IsAbs(includePath) {
		includePath = filepath.Join(baseDir, includePath)
	}
	absPath, err := filepath.Abs(includePath)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile parses a single file after env interpolation. Defaults are
// not applied.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst. Scalars from src win when non-zero;
// endpoints and tokens are appended.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.DrainTimeout != 0 {
		dst.Service.DrainTimeout = src.Service.DrainTimeout
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.Retention != 0 {
		dst.State.Retention = src.State.Retention
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	if src.API.RateLimit.RPS != 0 {
		dst.API.RateLimit = src.API.RateLimit
	}

	if src.HTTPIntake.Listen != "" {
		dst.HTTPIntake.Listen = src.HTTPIntake.Listen
	}

	if src.Stats.RedisAddr != "" {
		dst.Stats.RedisAddr = src.Stats.RedisAddr
		dst.Stats.RedisPassword = src.Stats.RedisPassword
		dst.Stats.RedisDB = src.Stats.RedisDB
	}
	if src.Stats.Prefix != "" {
		dst.Stats.Prefix = src.Stats.Prefix
	}
	if src.Stats.TTL != 0 {
		dst.Stats.TTL = src.Stats.TTL
	}

	if src.PipelinesDir != "" {
		dst.PipelinesDir = src.PipelinesDir
	}
	dst.Endpoints = append(dst.Endpoints, src.Endpoints...)
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if errors.Is(err, ErrNoChecksums) {
			continue
		}
		if err != nil {
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: hl7gw config lock --config %s", basename, dir, paths[0])
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: hl7gw config lock", path, err)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.DrainTimeout == 0 {
		cfg.Service.DrainTimeout = defaults.Service.DrainTimeout
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = defaults.State.Retention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Stats.Prefix == "" {
		cfg.Stats.Prefix = defaults.Stats.Prefix
	}

	if cfg.PipelinesDir == "" {
		cfg.PipelinesDir = defaults.PipelinesDir
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if !ep.IsAutoAck() && ep.Timeout == 0 {
			ep.Timeout = DefaultEndpointTimeout
		}
		if ep.Workers == 0 {
			ep.Workers = DefaultWorkers
		}
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where a secret is expected.
		return match
	})
}
