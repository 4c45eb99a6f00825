package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlugin(t *testing.T, root, dir, manifest string, mode os.FileMode) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\necho '{\"status\":\"ok\"}'\n"), mode))
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T, dir string)
		wantNames []string
		checkFn   func(t *testing.T, reg *Registry)
	}{
		{
			name: "valid plugin discovered",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "adt-router", `name: adt-router
version: 1.0.0
protocol: 1
entrypoint: run.sh
message_types: [ADT^A01, ADT^A08]
timeout: 10s
`, 0755)
			},
			wantNames: []string{"adt-router"},
			checkFn: func(t *testing.T, reg *Registry) {
				p, ok := reg.Get("adt-router")
				require.True(t, ok)
				assert.Equal(t, 1, p.Protocol)
				assert.Equal(t, 10*time.Second, p.Timeout)
				assert.Equal(t, MessageTypes{"ADT^A01", "ADT^A08"}, p.MessageTypes)
				assert.True(t, filepath.IsAbs(p.Entrypoint))
			},
		},
		{
			name: "scalar message type",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "oru", "name: oru\nprotocol: 1\nentrypoint: run.sh\nmessage_types: ORU\n", 0755)
			},
			wantNames: []string{"oru"},
			checkFn: func(t *testing.T, reg *Registry) {
				p, _ := reg.Get("oru")
				assert.Equal(t, MessageTypes{"ORU"}, p.MessageTypes)
			},
		},
		{
			name: "directory without manifest skipped",
			setupFn: func(t *testing.T, dir string) {
				require.NoError(t, os.Mkdir(filepath.Join(dir, "no-manifest"), 0755))
			},
		},
		{
			name: "unsupported protocol skipped",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "future", "name: future\nprotocol: 9\nentrypoint: run.sh\n", 0755)
			},
		},
		{
			name: "non-executable entrypoint skipped",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "noexec", "name: noexec\nprotocol: 1\nentrypoint: run.sh\n", 0644)
			},
		},
		{
			name: "reserved builtin name skipped",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "accept", "name: builtin:accept\nprotocol: 1\nentrypoint: run.sh\n", 0755)
			},
		},
		{
			name: "path traversal skipped",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "escape", "name: escape\nprotocol: 1\nentrypoint: ../run.sh\n", 0755)
			},
		},
		{
			name: "duplicate name keeps first",
			setupFn: func(t *testing.T, dir string) {
				writePlugin(t, dir, "a", "name: same\nprotocol: 1\nentrypoint: run.sh\n", 0755)
				writePlugin(t, dir, "b", "name: same\nprotocol: 1\nentrypoint: run.sh\n", 0755)
			},
			wantNames: []string{"same"},
			checkFn: func(t *testing.T, reg *Registry) {
				p, _ := reg.Get("same")
				assert.Equal(t, "a", filepath.Base(p.Path))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setupFn(t, dir)

			var warnings []string
			reg, err := Discover(dir, func(level, msg string, args ...any) {
				if level == "warn" {
					warnings = append(warnings, msg)
				}
			})
			require.NoError(t, err)
			if tt.wantNames == nil {
				tt.wantNames = []string{}
			}
			assert.Equal(t, tt.wantNames, reg.Names())
			if tt.checkFn != nil {
				tt.checkFn(t, reg)
			}
		})
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorContains(t, err, "does not exist")

	_, err = Discover("", nil)
	assert.Error(t, err)
}

func TestPluginAccepts(t *testing.T) {
	p := &Plugin{MessageTypes: MessageTypes{"ADT^A01", "ORU"}}

	assert.True(t, p.Accepts("ADT", "A01"))
	assert.True(t, p.Accepts("adt", "a01"))
	assert.False(t, p.Accepts("ADT", "A08"))
	assert.True(t, p.Accepts("ORU", "R01"))
	assert.False(t, p.Accepts("SIU", "S12"))

	all := &Plugin{}
	assert.True(t, all.Accepts("ANY", "THING"))
}
