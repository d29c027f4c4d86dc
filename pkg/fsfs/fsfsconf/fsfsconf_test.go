package fsfsconf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "fsfs.conf"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsfs.conf")
	cfg := Default()
	cfg.RepSharing.Enable = false
	cfg.Deltification.MaxLinearDeltification = 8
	cfg.PackedRevprops.RevpropPackSize = 16384
	cfg.MemcachedServers = map[string]string{"server1": "localhost:11211"}

	require.NoError(t, Write(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestDeltifyConfigFallsBackToDefaults(t *testing.T) {
	cfg := Config{}
	dc := cfg.DeltifyConfig()
	require.Equal(t, 16, dc.MaxLinearDeltification)
	require.Equal(t, 1023, dc.MaxDeltificationWalk)
}
