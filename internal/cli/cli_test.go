package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub000/internal/store"
	"github.com/emily-flambe/orca-sub000/internal/task"
)

// runCLI executes the root command with args, capturing combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig writes a minimal config file pointing the store at a temp
// database and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("db_path: %s\n", filepath.Join(dir, "orca.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath
}

func TestAddRegistersTask(t *testing.T) {
	cfgPath := writeConfig(t)
	repo := t.TempDir()

	out, err := runCLI(t, "add", "LOCAL-1", "Add a --version flag", "--config", cfgPath, "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "LOCAL-1")

	cfg, err := loadConfig()
	require.NoError(t, err)
	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	got, err := st.GetTask("LOCAL-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.PhaseReady, got.Phase)
	assert.Equal(t, "Add a --version flag", got.Title)
	assert.Equal(t, repo, got.RepoPath)
	assert.Equal(t, 2, got.Priority)
}

func TestAddRejectsDuplicate(t *testing.T) {
	cfgPath := writeConfig(t)
	repo := t.TempDir()

	_, err := runCLI(t, "add", "LOCAL-2", "first", "--config", cfgPath, "--repo", repo)
	require.NoError(t, err)

	_, err = runCLI(t, "add", "LOCAL-2", "second", "--config", cfgPath, "--repo", repo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestAddValidation(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := runCLI(t, "add", "LOCAL-3", "prompt", "--config", cfgPath, "--repo", "relative/path")
	require.Error(t, err)
	assert.True(t, isUsageError(err))

	_, err = runCLI(t, "add", "LOCAL-3", "prompt", "--config", cfgPath, "--repo", t.TempDir(), "--priority", "9")
	require.Error(t, err)
	assert.True(t, isUsageError(err))

	_, err = runCLI(t, "add", "LOCAL-3", "prompt", "--config", cfgPath, "--repo", t.TempDir(), "--phase", "running")
	require.Error(t, err)
	assert.True(t, isUsageError(err))
}

func TestIsUsageError(t *testing.T) {
	assert.True(t, isUsageError(usageErrorf("bad flag")))
	assert.True(t, isUsageError(errors.New(`unknown command "frob" for "orca"`)))
	assert.False(t, isUsageError(errors.New("connection refused")))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one", firstLine("one\ntwo"))
	assert.Equal(t, "spaced", firstLine("  spaced  \nrest"))
	long := ""
	for i := 0; i < 20; i++ {
		long += "0123456789"
	}
	assert.Len(t, firstLine(long), 80)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, "short", clamp("short", 10))
	assert.Equal(t, "longer ...", clamp("longer title here", 10))
	assert.Equal(t, "ab", clamp("abcdef", 2))
}

// fakeDaemon stands in for the orchestrator API.
func fakeDaemon(t *testing.T, handler http.Handler) *daemonClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &daemonClient{baseURL: srv.URL, http: srv.Client()}
}

func TestDaemonClientStatusAndTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"activeSessions": 2, "concurrencyCap": 3, "queuedTasks": 5,
		})
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []map[string]any{
				{"issueId": "EMI-1", "title": "one", "phase": "running", "priority": 1},
			},
		})
	})
	c := fakeDaemon(t, mux)

	snap, err := c.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ActiveSessions)
	assert.Equal(t, 5, snap.QueuedTasks)

	tasks, err := c.tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "EMI-1", tasks[0].IssueID)
	assert.Equal(t, "running", tasks[0].Phase)
}

func TestDaemonClientSurfacesAPIError(t *testing.T) {
	c := fakeDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "INVALID_TRANSITION", "message": "cannot move done to running"},
		})
	}))

	err := c.setPhase(context.Background(), "EMI-1", "running")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move done to running")
}

func TestDaemonClientSetPhasePayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c := fakeDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.setPhase(context.Background(), "EMI-7", "failed"))
	assert.Equal(t, "/api/tasks/EMI-7/status", gotPath)
	assert.Equal(t, map[string]string{"status": "failed"}, gotBody)
}

func TestSyncCommandPrintsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"synced": 4, "created": 1, "updated": 2})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	t.Setenv("ORCA_PORT", u.Port())

	out, err := runCLI(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 4 issues (1 created, 2 updated)")
}

func TestCancelCommand(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tasks/EMI-9/status", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	t.Setenv("ORCA_PORT", u.Port())

	out, err := runCLI(t, "cancel", "EMI-9")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "failed"}, gotBody)
	assert.Contains(t, out, "Moved EMI-9 to failed")

	_, err = runCLI(t, "cancel", "EMI-9", "--backlog")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "backlog"}, gotBody)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "orca ")
}
