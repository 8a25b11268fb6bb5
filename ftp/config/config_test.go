package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ftpd.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "", cfg.User())
	assert.Equal(t, "", cfg.Pass())
	assert.Equal(t, DefaultPort, cfg.Port())
	assert.Equal(t, DefaultDeflateLevel, cfg.DeflateLevel())
	assert.False(t, cfg.GetMTime())
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.SetUser("alice")
	cfg.SetPass("secret")
	require.NoError(t, cfg.SetPort("2121"))
	require.NoError(t, cfg.SetDeflateLevel(9))
	require.NoError(t, cfg.SetHostname("ftpd-box"))
	cfg.SetGetMTime(true)

	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", reloaded.User())
	assert.Equal(t, "secret", reloaded.Pass())
	assert.Equal(t, 2121, reloaded.Port())
	assert.Equal(t, 9, reloaded.DeflateLevel())
	assert.Equal(t, "ftpd-box", reloaded.Hostname())
	assert.True(t, reloaded.GetMTime())
}

func TestSetPortRejectsGarbage(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ftpd.yaml"))
	require.NoError(t, err)

	assert.Error(t, cfg.SetPort("not-a-port"))
	assert.Error(t, cfg.SetPort("0"))
	assert.Error(t, cfg.SetPort("70000"))
	assert.Equal(t, DefaultPort, cfg.Port())
}

func TestSetDeflateLevelRange(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ftpd.yaml"))
	require.NoError(t, err)

	assert.NoError(t, cfg.SetDeflateLevel(0))
	assert.NoError(t, cfg.SetDeflateLevel(9))
	assert.Error(t, cfg.SetDeflateLevel(10))
	assert.Error(t, cfg.SetDeflateLevel(-1))
}

func TestSetHostnameValidation(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ftpd.yaml"))
	require.NoError(t, err)

	assert.NoError(t, cfg.SetHostname("valid-host"))
	assert.Error(t, cfg.SetHostname("in valid"))
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 99999\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
