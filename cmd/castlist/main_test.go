package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/castlist/pkg/types"
)

const extraction = `{"characters": [
  {"name": "Alice Smith", "aliases": ["Ally"], "physical": "red hair", "confidence": 90},
  {"name": "Bob", "personality": "gruff", "confidence": 70}
]}`

// fakeChatServer answers every chat completion with extraction.
func fakeChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": extraction}}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeOllamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models": [{"name": "llama3.1:8b", "model": "llama3.1:8b"}, {"name": "qwen2.5:7b", "model": "qwen2.5:7b"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTranscript(t *testing.T) string {
	t.Helper()
	lines := []string{
		`{"user_name": "You", "character_name": "Narrator"}`,
		`{"name": "Narrator", "is_user": false, "mes": "Alice Smith walks into the tavern."}`,
		`{"name": "You", "is_user": true, "mes": "I wave at Ally."}`,
		`{"name": "Narrator", "is_system": true, "mes": "[system note]"}`,
		`{"name": "Narrator", "is_user": false, "mes": "Bob the barkeep grunts."}`,
	}
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

// run executes the root command with args against a fresh set of flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, session, backend, dbPath = "", "", "", ""
	verbose, showIgnored, asJSON, fromStart = false, false, false, false
	batchSize = 0
	timeout = 30 * time.Second

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	chat := fakeChatServer(t)
	t.Setenv("CASTLIST_CONFIG", "")
	t.Setenv("CASTLIST_PRIMARY_URL", chat.URL)
	t.Setenv("CASTLIST_TOKENIZER", "estimate")
	t.Setenv("CASTLIST_LOG_LEVEL", "error")
	t.Setenv("CASTLIST_OLLAMA_URL", fakeOllamaServer(t).URL)
	return filepath.Join(t.TempDir(), "roster.db")
}

func TestHarvestListAndShow(t *testing.T) {
	db := setupEnv(t)
	path := writeTranscript(t)

	out, err := run(t, "harvest", path, "--db", db, "--batch-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "3 messages")
	assert.Contains(t, out, "2 created")

	out, err = run(t, "list", "--db", db, "--json")
	require.NoError(t, err)
	var roster []*types.Character
	require.NoError(t, json.Unmarshal([]byte(out), &roster))
	require.Len(t, roster, 2)
	assert.Equal(t, "Alice Smith", roster[0].Name)
	assert.Equal(t, []string{"Ally"}, roster[0].Aliases)
	assert.Equal(t, "Bob", roster[1].Name)

	out, err = run(t, "show", "Ally", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Alice Smith (confidence 90)")
	assert.Contains(t, out, "red hair")

	_, err = run(t, "show", "Nobody", "--db", db)
	assert.Error(t, err)
}

func TestMergeIgnoreAndForget(t *testing.T) {
	db := setupEnv(t)
	path := writeTranscript(t)

	_, err := run(t, "harvest", path, "--db", db)
	require.NoError(t, err)

	out, err := run(t, "merge", "Bob", "Alice Smith", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "merged Bob into Alice Smith")

	out, err = run(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Alice Smith")
	assert.Contains(t, out, "Ally, Bob")

	_, err = run(t, "ignore", "Alice Smith", "--db", db)
	require.NoError(t, err)
	out, err = run(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no characters")
	out, err = run(t, "list", "--db", db, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice Smith")

	out, err = run(t, "sessions", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "default\n", out)

	out, err = run(t, "forget", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted roster")
	out, err = run(t, "forget", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no roster")
}

func TestBackup(t *testing.T) {
	db := setupEnv(t)
	_, err := run(t, "harvest", writeTranscript(t), "--db", db)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.db")
	out, err := run(t, "backup", dest, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "backup written")

	out, err = run(t, "list", "--db", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "Alice Smith")
}

func TestSessionsAreSeparate(t *testing.T) {
	db := setupEnv(t)
	path := writeTranscript(t)

	_, err := run(t, "harvest", path, "--db", db, "--session", "tavern")
	require.NoError(t, err)

	out, err := run(t, "list", "--db", db, "--session", "other")
	require.NoError(t, err)
	assert.Contains(t, out, `no characters in session "other"`)
}

func TestModels(t *testing.T) {
	db := setupEnv(t)
	t.Setenv("CASTLIST_OLLAMA_MODEL", "qwen2.5:7b")

	out, err := run(t, "models", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "  llama3.1:8b\n* qwen2.5:7b\n", out)
}

func TestLocalBackendWithoutModelFails(t *testing.T) {
	db := setupEnv(t)
	path := writeTranscript(t)

	_, err := run(t, "harvest", path, "--db", db, "--backend", "local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batches failed")
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("CASTLIST_MERGE_THRESHOLD", "500")

	_, err := run(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver.threshold")
}
