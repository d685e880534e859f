package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupv1d/pkg/log"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

const sampleYAML = `
log:
  level: debug
  json: true
storage:
  data_dir: /var/lib/dedupv1d
  capacity_gb: 100
volumes:
  - id: 1
    device_name: dedupv1-1
    logical_size_bytes: 1073741824
    groups:
      - name: grp0
        lun: 0
targets:
  - tid: 1
    name: iqn.2026-01.dedupv1:target0
    params:
      - name: MaxConnections
        value: "1"
users:
  - name: alice
    secret_hash: abc123
groups:
  - name: grp0
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedupv1d.yaml")
	require.NoError(t, writeFile(path, sampleYAML))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, log.DebugLevel, cfg.LogLevel())
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, uint64(100), cfg.Storage.CapacityGB)

	vols := cfg.VolumeOptions()
	require.Len(t, vols, 1)
	assert.Equal(t, uint32(1), vols[0].ID)
	assert.True(t, vols[0].Preconfigured)
	require.Len(t, vols[0].Groups, 1)
	assert.Equal(t, "grp0", vols[0].Groups[0].Name)

	targets := cfg.TargetOptions()
	require.Len(t, targets, 1)
	assert.Equal(t, uint32(1), targets[0].TID)
	require.Len(t, targets[0].Params, 1)
	assert.Equal(t, "MaxConnections", targets[0].Params[0].Name)

	users := cfg.UserOptions()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)

	groups := cfg.GroupOptions()
	require.Len(t, groups, 1)
	assert.Equal(t, "grp0", groups[0].Name)
}

func TestLoadDefaultsLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, writeFile(path, "storage:\n  data_dir: /tmp\n"))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, log.InfoLevel, cfg.LogLevel())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
