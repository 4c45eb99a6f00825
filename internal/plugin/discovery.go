package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Registry holds discovered plugins indexed by name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers a plugin in the registry.
func (r *Registry) Add(plugin *Plugin) error {
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already registered", plugin.Name)
	}
	r.plugins[plugin.Name] = plugin
	return nil
}

// Discover scans pluginsDir for directories containing manifest.yaml and
// validates them. Invalid plugins are logged but not fatal.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	if strings.TrimSpace(pluginsDir) == "" {
		return nil, fmt.Errorf("plugin root is required")
	}

	root, err := filepath.Abs(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin root %q: %w", pluginsDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugin root does not exist: %s", root)
		}
		return nil, fmt.Errorf("failed to stat plugin root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin root is not a directory: %s", root)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)
		plugin, err := loadPlugin(pluginPath, root)
		if err != nil {
			logger("warn", "failed to load plugin", "path", pluginPath, "error", err.Error())
			return nil
		}

		if err := registry.Add(plugin); err != nil {
			existing, _ := registry.Get(plugin.Name)
			logger(
				"warn",
				"duplicate plugin ignored (keeping first discovered)",
				"plugin", plugin.Name,
				"ignored_path", plugin.Path,
				"kept_path", existing.Path,
			)
			return nil
		}

		logger("info", "loaded plugin", "plugin", plugin.Name, "path", plugin.Path, "version", plugin.Version)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
	}

	return registry, nil
}

// loadPlugin reads and validates a single plugin.
func loadPlugin(pluginPath, pluginsDir string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, pluginPath, pluginsDir); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Plugin{
		Name:         manifest.Name,
		Path:         pluginPath,
		Entrypoint:   entrypointPath,
		Protocol:     manifest.Protocol,
		Version:      manifest.Version,
		Description:  manifest.Description,
		MessageTypes: manifest.MessageTypes,
		Timeout:      manifest.Timeout,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.HasPrefix(m.Name, "builtin:") {
		return fmt.Errorf("name %q uses the reserved builtin: prefix", m.Name)
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	for _, mt := range m.MessageTypes {
		if mt == "" {
			return fmt.Errorf("message_types entries must not be empty")
		}
	}

	return nil
}

// validateTrust enforces that the entrypoint is an executable inside the
// plugin directory, under the plugin root, and that the directory is not
// world-writable.
func validateTrust(entrypointPath, pluginPath, pluginsDir string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(pluginsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink %s: %w", pluginsDir, err)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}

	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}

	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
