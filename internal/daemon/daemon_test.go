package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/foldermcp/internal/config"
	"github.com/Aman-CERP/foldermcp/internal/fmdm"
	"github.com/Aman-CERP/foldermcp/internal/model"
	"github.com/Aman-CERP/foldermcp/internal/search"
)

// noDownloadEnsurer keeps tests off the network; the cpu session needs no
// artifacts anyway.
type noDownloadEnsurer struct{}

func (noDownloadEnsurer) IsCached(model.Descriptor) bool                     { return true }
func (noDownloadEnsurer) EnsureModel(context.Context, model.Descriptor) error { return nil }

// testDaemon spins up an orchestrator + control server on a temp socket.
type testDaemon struct {
	cfg    *config.Config
	orch   *Orchestrator
	client *Client
	cancel context.CancelFunc
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	stateDir := t.TempDir()
	cfg := config.New()
	cfg.Daemon.SocketPath = filepath.Join(stateDir, "d.sock")
	cfg.Daemon.PIDFile = filepath.Join(stateDir, "d.pid")
	cfg.Embeddings.CacheDir = filepath.Join(stateDir, "models")
	cfg.Performance.PoolWorkers = 2

	orch := NewOrchestrator(cfg)
	orch.downloads = noDownloadEnsurer{}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))

	server := NewServer(cfg.Daemon.SocketPath, orch)
	go func() { _ = server.ListenAndServe(ctx) }()

	client := NewClient(cfg.Daemon.SocketPath)
	require.Eventually(t, func() bool {
		_, err := client.Ping(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "server never came up")

	td := &testDaemon{cfg: cfg, orch: orch, client: client, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		orch.Shutdown()
	})
	return td
}

func writeDoc(t *testing.T, folder, rel, content string) {
	t.Helper()
	path := filepath.Join(folder, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitForStatus(t *testing.T, orch *Orchestrator, path string, want fmdm.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := orch.Broadcaster().Snapshot()
		for _, f := range snap.Folders {
			if f.Path == mustCanonical(t, path) && f.Status == want {
				return true
			}
		}
		return false
	}, 30*time.Second, 50*time.Millisecond, "folder never reached %s", want)
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	c, err := canonicalPath(path)
	require.NoError(t, err)
	return c
}

func TestPingRoundTrip(t *testing.T) {
	td := startTestDaemon(t)

	res, err := td.client.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Pong)
	assert.Equal(t, os.Getpid(), res.PID)
}

func TestAddFolder_IndexesAndSearches(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "notes.txt",
		"postgres replication ships write ahead log records to standby servers\n")

	_, err := td.client.AddFolder(context.Background(), folder, "")
	require.NoError(t, err)

	waitForStatus(t, td.orch, folder, fmdm.StatusActive)

	resp, err := td.orch.Search(context.Background(), folder, search.Request{Query: "postgres replication"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "notes.txt", resp.Hits[0].DocumentPath)
}

func TestAddFolder_DuplicateRejected(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "a.txt", "content\n")

	_, err := td.client.AddFolder(context.Background(), folder, "")
	require.NoError(t, err)

	_, err = td.client.AddFolder(context.Background(), folder, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already managed")
}

func TestRemoveFolder(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "a.txt", "some words here\n")

	_, err := td.client.AddFolder(context.Background(), folder, "")
	require.NoError(t, err)
	waitForStatus(t, td.orch, folder, fmdm.StatusActive)

	_, err = td.client.RemoveFolder(context.Background(), folder)
	require.NoError(t, err)

	assert.Empty(t, td.orch.Broadcaster().Snapshot().Folders)

	// Remove is not purge: the hidden directory survives.
	_, statErr := os.Stat(filepath.Join(folder, ".foldermcp"))
	assert.NoError(t, statErr)

	// Unknown folder now.
	_, err = td.client.RemoveFolder(context.Background(), folder)
	assert.Error(t, err)
}

func TestSubscribe_ReceivesSnapshots(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "a.txt", "subscription test content with several words\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshots, err := td.client.Subscribe(ctx)
	require.NoError(t, err)

	_, err = td.client.AddFolder(ctx, folder, "")
	require.NoError(t, err)

	// Snapshots stream until the folder shows up ACTIVE.
	deadline := time.After(30 * time.Second)
	for {
		select {
		case snap, ok := <-snapshots:
			require.True(t, ok, "stream closed early")
			for _, f := range snap.Folders {
				if f.Status == fmdm.StatusActive {
					assert.Equal(t, mustCanonical(t, folder), f.Path)
					return
				}
			}
		case <-deadline:
			t.Fatal("never observed ACTIVE over the subscription")
		}
	}
}

func TestDiagnostics(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "a.txt", "diagnostics content\n")

	_, err := td.client.AddFolder(context.Background(), folder, "")
	require.NoError(t, err)
	waitForStatus(t, td.orch, folder, fmdm.StatusActive)

	diag, err := td.client.Diagnostics(context.Background())
	require.NoError(t, err)

	require.NotNil(t, diag.Hardware)
	assert.Positive(t, diag.Hardware.CPUCores)
	require.Len(t, diag.Folders, 1)
	assert.Equal(t, "ACTIVE", diag.Folders[0].Status)
	assert.Equal(t, "cpu", diag.Folders[0].ActiveBackend)
	assert.Equal(t, 1, diag.OpenStores)
	assert.NotEmpty(t, diag.Uptime)
}

func TestRegistry_PersistsAcrossRestart(t *testing.T) {
	td := startTestDaemon(t)
	folder := t.TempDir()
	writeDoc(t, folder, "a.txt", "registry persistence content\n")

	_, err := td.client.AddFolder(context.Background(), folder, "")
	require.NoError(t, err)
	waitForStatus(t, td.orch, folder, fmdm.StatusActive)

	// Stop the first daemon cleanly.
	td.cancel()
	td.orch.Shutdown()

	// A second orchestrator over the same state dir restores the folder.
	orch2 := NewOrchestrator(td.cfg)
	orch2.downloads = noDownloadEnsurer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, orch2.Start(ctx))
	defer orch2.Shutdown()

	waitForStatus(t, orch2, folder, fmdm.StatusActive)
}

func TestUnknownMethod(t *testing.T) {
	td := startTestDaemon(t)

	_, err := call[PingResult](context.Background(), td.client, "nope.nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestPIDFile_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	pf := NewPIDFile(path)

	_, err := pf.Read()
	assert.ErrorIs(t, err, ErrPIDFileNotFound)

	require.NoError(t, pf.Write())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, pf.IsRunning())

	require.NoError(t, pf.Remove())
	require.NoError(t, pf.Remove()) // idempotent
	assert.False(t, pf.IsRunning())
}

func TestPIDFile_TerminateStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	pf := NewPIDFile(path)

	// Missing file: nothing to do.
	require.NoError(t, pf.TerminateStale())

	// A dead PID is cleaned up without signalling anyone.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))
	require.NoError(t, pf.TerminateStale())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Our own PID is never killed.
	require.NoError(t, pf.Write())
	require.NoError(t, pf.TerminateStale())
}
