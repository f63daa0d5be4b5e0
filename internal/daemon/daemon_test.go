package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/logger"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/session"
	"github.com/harun/chatgate/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Auth.APIKeys = []string{"test-key"}
	cfg.Adapter.Driver = "fake"
	cfg.Logging.AuditFile = filepath.Join(dataDir, "audit.log")
	cfg.ShutdownGrace = 5
	return cfg
}

// useFakeFactory routes adapter construction through one shared fake factory.
func useFakeFactory(t *testing.T) *adapter.FakeFactory {
	t.Helper()
	fake := adapter.NewFakeFactory()
	orig := newAdapterFactory
	newAdapterFactory = func(config.AdapterConfig, zerolog.Logger) (adapter.Factory, error) {
		return fake.New, nil
	}
	t.Cleanup(func() { newAdapterFactory = orig })
	return fake
}

// createTestDaemon creates a daemon with the fake chat client and a file store in dataDir.
func createTestDaemon(t *testing.T, dataDir string) (*Daemon, *logger.Logger) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(testConfig(t, dataDir), log)
	require.NoError(t, err)
	return d, log
}

func apiRequest(t *testing.T, d *Daemon, method, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+d.server.Addr()+path, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForServer(t *testing.T, d *Daemon) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + d.server.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNew(t *testing.T) {
	useFakeFactory(t)
	d, _ := createTestDaemon(t, t.TempDir())

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.dispatcher)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.server)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.GetConfig())
	assert.NotNil(t, d.GetLogger())
	assert.Same(t, d.sessions, d.GetSessionManager())
	assert.Same(t, d.dispatcher, d.GetDispatcher())
	assert.Same(t, d.server, d.GetServer())
}

func TestNew_Errors(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	t.Run("unknown store driver", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Store.Driver = "etcd"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("unknown adapter driver", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Adapter.Driver = "carrier-pigeon"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("invalid checkpoint schedule", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Store.Checkpoint = "sometimes"
		_, err := New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("store open failure is wrapped", func(t *testing.T) {
		orig := openStore
		openStore = func(store.Options) (store.Store, error) { return nil, assert.AnError }
		defer func() { openStore = orig }()

		_, err := New(testConfig(t, t.TempDir()), log)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestDaemonStartStop(t *testing.T) {
	useFakeFactory(t)
	dataDir := t.TempDir()
	d, _ := createTestDaemon(t, dataDir)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is rejected")
	waitForServer(t, d)

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 0, status.Sessions)

	pid, err := ReadPID(PIDFilePath(dataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp := apiRequest(t, d, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = apiRequest(t, d, http.MethodPost, "/api/sessions", "test-key")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, d.Status().Sessions)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "stop when not running")

	_, err = os.Stat(PIDFilePath(dataDir))
	assert.True(t, os.IsNotExist(err))

	snap, err := store.NewFileStore(filepath.Join(dataDir, "sessions.json")).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestDaemon_RestoresSessionsAfterRestart(t *testing.T) {
	fake := useFakeFactory(t)
	dataDir := t.TempDir()

	first, _ := createTestDaemon(t, dataDir)
	require.NoError(t, first.Start())
	waitForServer(t, first)

	ctx := context.Background()
	id, err := first.sessions.CreateSession(ctx)
	require.NoError(t, err)
	_, err = first.sessions.AddWebhook(ctx, id, "http://example.test/hook", []string{"message"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := fake.Client(id)
		return c != nil && c.Initialized()
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Stop())
	assert.True(t, fake.Client(id).Destroyed())

	second, _ := createTestDaemon(t, dataDir)
	require.NoError(t, second.Start())
	defer second.Stop()

	sess, err := second.sessions.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDisconnected, sess.Status)
	require.Len(t, sess.Webhooks, 1)
	assert.Equal(t, "http://example.test/hook", sess.Webhooks[0].URL)
}

func TestDaemon_ApplyConfigRotatesCredentials(t *testing.T) {
	useFakeFactory(t)
	d, _ := createTestDaemon(t, t.TempDir())
	require.NoError(t, d.Start())
	defer d.Stop()
	waitForServer(t, d)

	updated := config.DefaultConfig()
	updated.Auth.APIKeys = []string{"rotated-key"}
	d.applyConfig(updated)

	assert.Equal(t, http.StatusUnauthorized, apiRequest(t, d, http.MethodGet, "/api/sessions", "test-key").StatusCode)
	assert.Equal(t, http.StatusOK, apiRequest(t, d, http.MethodGet, "/api/sessions", "rotated-key").StatusCode)
}

func TestDaemon_WatchConfig(t *testing.T) {
	useFakeFactory(t)
	dataDir := t.TempDir()
	d, _ := createTestDaemon(t, dataDir)
	require.NoError(t, d.Start())
	defer d.Stop()
	waitForServer(t, d)

	configPath := filepath.Join(dataDir, "chatgate.json")
	loader := config.NewLoader(configPath)
	require.NoError(t, d.WatchConfig(loader))

	cfg := d.config
	next := *cfg
	next.Auth.APIKeys = []string{"from-file"}
	require.NoError(t, loader.Save(&next))

	require.Eventually(t, func() bool {
		resp := apiRequest(t, d, http.MethodGet, "/api/sessions", "from-file")
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDaemon_CheckpointWritesSnapshot(t *testing.T) {
	useFakeFactory(t)
	dataDir := t.TempDir()
	d, _ := createTestDaemon(t, dataDir)

	_, err := d.sessions.CreateSession(context.Background())
	require.NoError(t, err)

	path := filepath.Join(dataDir, "sessions.json")
	require.NoError(t, os.Remove(path))
	d.checkpoint()

	_, err = os.Stat(path)
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.sessions.Shutdown(ctx)
	d.dispatcher.Stop(ctx)
	d.releaseStore()
}

func TestStatusBeforeStart(t *testing.T) {
	useFakeFactory(t)
	d, _ := createTestDaemon(t, t.TempDir())

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Equal(t, 0, status.Sessions)
}
