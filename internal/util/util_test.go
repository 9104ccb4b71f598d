package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		name := logFileName(day.AddDate(0, 0, i))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), nil, 0644))

	assert.Equal(t, 3, CleanOldLogs(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"muco-relay_2026-01-04.log",
		"muco-relay_2026-01-05.log",
		"other.log",
	}, names)
}

func TestInitLogger_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 3}))
	assert.FileExists(t, filepath.Join(dir, logFileName(time.Now())))
}

func TestEnsureTLSCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	created, err := EnsureTLSCert(cert, key, []string{"127.0.0.1", "relay.local"})
	require.NoError(t, err)
	assert.True(t, created)

	_, err = tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)

	created, err = EnsureTLSCert(cert, key, nil)
	require.NoError(t, err)
	assert.False(t, created, "existing pair is kept")
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)
	assert.NotEmpty(t, info.GoVersion)
}
