package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "surrounding space", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: ErrMissingHeader},
		{name: "wrong scheme", header: "Basic abc", wantErr: ErrBadHeader},
		{name: "empty token", header: "Bearer    ", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Name: "monitor", Token: "mon-token", Scopes: []string{"events:ro", " stats:ro "}},
		{Token: "ops-token", Scopes: []string{"exchanges:rw"}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, HasAnyScope(p, ScopeExchangesRO))

	p, ok = Authenticate("mon-token", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "monitor", p.Name)
	assert.True(t, HasAnyScope(p, ScopeEventsRO))
	assert.True(t, HasAnyScope(p, ScopeStatsRO))
	assert.False(t, HasAnyScope(p, ScopeExchangesRO))

	p, ok = Authenticate("ops-token", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "token", p.Name)
	assert.True(t, HasAnyScope(p, ScopeExchangesRO), "rw implies ro")

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty api key never matches")
}

func TestHasAnyScopeWithoutRequirements(t *testing.T) {
	assert.True(t, HasAnyScope(Principal{}))
}

func TestKnownScope(t *testing.T) {
	for _, s := range []string{"*", "exchanges:ro", "exchanges:rw", "stats:ro", " events:ro "} {
		assert.True(t, KnownScope(s), s)
	}
	for _, s := range []string{"", "stats:rw", "jobs:ro", "admin"} {
		assert.False(t, KnownScope(s), s)
	}
}
