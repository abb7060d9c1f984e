package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gatekeeper/internal/checks"
	"gatekeeper/internal/registry"
	"gatekeeper/internal/store"
	"gatekeeper/internal/types"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.MustNew(checks.Defaults(checks.Deps{Store: store.NewMemoryStore()})...)
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, types.AllTiers, p.Tiers)
	assert.Equal(t, DefaultWarningCodes, p.WarningCodes)
	assert.Empty(t, p.Configs())
}

func TestParse(t *testing.T) {
	reg := testRegistry(t)

	p, err := Parse([]byte(`
tiers: [1, 3]
checks:
  language: false
checkConfig:
  input_length:
    maxLength: 500
  user_rate_limit:
    limit: 10
    skipAnonymous: true
warningCodes: [blacklisted_keywords]
`), reg)
	require.NoError(t, err)

	assert.Equal(t, []types.Tier{types.Tier1, types.Tier3}, p.Tiers)
	assert.Equal(t, map[string]bool{"language": false}, p.Checks)
	assert.Equal(t, []string{"blacklisted_keywords"}, p.WarningCodes)
	assert.JSONEq(t, `{"maxLength": 500}`, string(p.Configs()["input_length"]))
	assert.JSONEq(t, `{"limit": 10, "skipAnonymous": true}`, string(p.Configs()["user_rate_limit"]))
}

func TestParse_KeepsDefaultsForMissingFields(t *testing.T) {
	p, err := Parse([]byte("runAllChecks: true\n"), testRegistry(t))
	require.NoError(t, err)
	assert.True(t, p.RunAllChecks)
	assert.Equal(t, types.AllTiers, p.Tiers)
	assert.Equal(t, DefaultWarningCodes, p.WarningCodes)
}

func TestParse_Invalid(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad yaml", yaml: "tiers: [1"},
		{name: "bad tier", yaml: "tiers: [5]"},
		{name: "unknown check toggle", yaml: "checks:\n  nope: true\n"},
		{name: "unknown check config", yaml: "checkConfig:\n  nope: {}\n"},
		{name: "schema violation", yaml: "checkConfig:\n  input_length:\n    maxLength: -1\n"},
		{name: "not configurable", yaml: "checkConfig:\n  ip_timeout: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), reg)
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("checks:\n  nope: true\n"), reg)
	assert.True(t, errors.Is(err, registry.ErrUnknownCheck))
}

func TestHolder(t *testing.T) {
	h := NewHolder(nil)
	require.NotNil(t, h.Current())

	p := Default()
	p.RunAllChecks = true
	h.Set(p)
	assert.True(t, h.Current().RunAllChecks)
}

func TestWatcher_Reload(t *testing.T) {
	reg := testRegistry(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers: [1, 2, 3, 4]\n"), 0o644))

	initial, err := LoadFile(path, reg)
	require.NoError(t, err)
	h := NewHolder(initial)

	w, err := NewWatcher(path, h, reg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("tiers: [1]\n"), 0o644))
	waitReload(t, w)
	assert.Equal(t, []types.Tier{types.Tier1}, h.Current().Tiers)

	// An invalid edit keeps the previous policy.
	require.NoError(t, os.WriteFile(path, []byte("tiers: [7]\n"), 0o644))
	waitReload(t, w)
	assert.Equal(t, []types.Tier{types.Tier1}, h.Current().Tiers)
}

func waitReload(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy reload")
	}
}
