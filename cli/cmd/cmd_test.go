package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/common/config"
	"github.com/telhawk-systems/taskhub/common/operator"
)

// writeConfig points every service URL at baseURL and returns the file path.
func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	c, err := config.LoadCLIFile(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, c.Set("user_url", baseURL))
	require.NoError(t, c.Set("task_url", baseURL))
	require.NoError(t, c.Set("notification_url", baseURL))
	require.NoError(t, c.Save())
	return c.Path()
}

// resetFlags restores flag defaults; cobra keeps parsed values between runs.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

// Test command initialization and registration
func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"outbox":      false,
		"deadletters": false,
		"stats":       false,
		"seed":        false,
		"config":      false,
		"cursors":     false,
	}

	for _, cmd := range rootCmd.Commands() {
		if _, ok := expected[cmd.Name()]; ok {
			expected[cmd.Name()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("expected command '%s' to be registered with root command", name)
		}
	}
}

func TestSubcommands(t *testing.T) {
	names := func(cmds []string) map[string]bool {
		m := make(map[string]bool)
		for _, c := range cmds {
			m[c] = true
		}
		return m
	}

	var outbox, dlq, cfgCmds []string
	for _, c := range outboxCmd.Commands() {
		outbox = append(outbox, c.Name())
	}
	for _, c := range deadLettersCmd.Commands() {
		dlq = append(dlq, c.Name())
	}
	for _, c := range configCmd.Commands() {
		cfgCmds = append(cfgCmds, c.Name())
	}

	assert.Equal(t, map[string]bool{"failed": true, "get": true, "replay": true}, names(outbox))
	assert.Equal(t, map[string]bool{"list": true, "get": true, "replay": true}, names(dlq))
	assert.Equal(t, map[string]bool{"get": true, "set": true}, names(cfgCmds))
}

func TestOutboxFailed_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/outbox/failed", r.URL.Path)
		json.NewEncoder(w).Encode(operator.List[operator.OutboxRecord]{
			Items: []operator.OutboxRecord{{ID: "evt-1", EventType: "task.created", Status: "FAILED"}},
			Count: 1,
		})
	}))
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "json", "outbox", "failed", "--service", "task")
	require.NoError(t, err)

	var list operator.List[operator.OutboxRecord]
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "evt-1", list.Items[0].ID)
}

func TestOutboxFailed_UnknownService(t *testing.T) {
	_, err := execute(t, "--config", writeConfig(t, "http://127.0.0.1:1"), "outbox", "failed", "--service", "billing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestOutboxReplay_Table(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/outbox/evt-9/replay", r.URL.Path)
		json.NewEncoder(w).Encode(operator.OutboxRecord{ID: "evt-9", Status: "PENDING"})
	}))
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "table", "outbox", "replay", "evt-9", "--service", "user")
	require.NoError(t, err)
	assert.Contains(t, out, "Outbox record evt-9 queued for publishing")
}

func TestDeadLettersList_Table(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/deadletters", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(operator.List[operator.DeadLetter]{
			Items: []operator.DeadLetter{{ID: "dl-1", Topic: "user.created", Partition: 3, Offset: 12, Reason: "decode_error"}},
			Count: 1,
		})
	}))
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "table", "deadletters", "list", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "dl-1")
	assert.Contains(t, out, "decode_error")
	assert.Contains(t, out, "12")
}

func TestDeadLettersReplay_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"dead letter already replayed"}`))
	}))
	defer server.Close()

	_, err := execute(t, "--config", writeConfig(t, server.URL), "deadletters", "replay", "dl-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already replayed")
}

func TestCursors_Table(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cursors", r.URL.Path)
		assert.Equal(t, "replay-audit", r.URL.Query().Get("group"))
		w.Write([]byte(`{"group":"replay-audit","items":[{"group":"replay-audit","topic":"task.created","partition":1,"committed":17}],"count":1}`))
	}))
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "table", "cursors", "--group", "replay-audit")
	require.NoError(t, err)
	assert.Contains(t, out, "task.created")
	assert.Contains(t, out, "17")
}

func TestStats_YAML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"service":"notification","status":"running","processed_events":4,"by_type":{"user.created":4}}`))
	}))
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "yaml", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "processed_events: 4")
	assert.Contains(t, out, "status: running")
}

func TestSeed(t *testing.T) {
	var users, tasks atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		users.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"u-1"}`))
	})
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		tasks.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t-1","user_id":"u-1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := execute(t, "--config", writeConfig(t, server.URL), "-o", "table", "seed", "--users", "2", "--tasks", "3", "--seed", "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, users.Load())
	assert.EqualValues(t, 3, tasks.Load())
	assert.Contains(t, out, "Created 2 users and 3 tasks (0 failed)")
}

func TestConfigSetAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := execute(t, "--config", path, "-o", "table", "config", "set", "output", "json")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "output: json")

	out, err := execute(t, "--config", path, "config", "get", "output")
	require.NoError(t, err)
	assert.Equal(t, "json\n", out)

	_, err = execute(t, "--config", path, "config", "set", "output", "xml")
	assert.Error(t, err)
}

func TestInvalidOutputFlag(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "-o", "xml", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}
