package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	useFakeFactory(t)
	dataDir := t.TempDir()
	d, _ := createTestDaemon(t, dataDir)

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(dataDir, "chatgate.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	useFakeFactory(t)
	dataDir := filepath.Join(t.TempDir(), "nested")
	d, _ := createTestDaemon(t, dataDir)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	info, err := os.Stat(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	assert.False(t, lm.IsRunning())
	assert.NoError(t, lm.Stop(), "removing a missing PID file is not an error")
}

func TestLifecycleManager_StalePIDFile(t *testing.T) {
	useFakeFactory(t)
	dataDir := t.TempDir()
	d, _ := createTestDaemon(t, dataDir)
	lm := NewLifecycleManager(d)

	// PIDs this large are never allocated.
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("999999999"), 0600))
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0600))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(999999999))
}
