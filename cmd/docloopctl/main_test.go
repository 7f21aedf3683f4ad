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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
}

func fakeServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestNodeShow_KeepsSlashes(t *testing.T) {
	srv, calls := fakeServer(t, http.StatusOK, `{"node":{"id":"Document:docs/a b.md"}}`)

	out, err := run(t, srv, "", "node", "show", "Document:docs/a b.md")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/api/v1/nodes/Document:docs/a b.md", (*calls)[0].path)
	assert.Contains(t, out, `"id": "Document:docs/a b.md"`)
}

func TestReviewStart_Wait(t *testing.T) {
	srv, calls := fakeServer(t, http.StatusOK, `{"state":"MERGED"}`)

	_, err := run(t, srv, "", "review", "start", "#42", "--wait")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPost, (*calls)[0].method)
	assert.Equal(t, "/api/v1/reviews/PullRequest:42", (*calls)[0].path)
	assert.Equal(t, "sync=true", (*calls)[0].query)
}

func TestEventSubmit_FromStdin(t *testing.T) {
	srv, calls := fakeServer(t, http.StatusAccepted, `{"status":"queued"}`)

	_, err := run(t, srv, `{"entity_type":"Issue","action":"created","number":7}`, "event", "submit")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/api/v1/events", (*calls)[0].path)
	assert.EqualValues(t, 7, (*calls)[0].body["number"])
}

func TestServerError(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusConflict, `{"error":"pull request review is terminal"}`)

	_, err := run(t, srv, "", "review", "step", "PullRequest:3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestPullRequestID(t *testing.T) {
	assert.Equal(t, "PullRequest:12", pullRequestID("12"))
	assert.Equal(t, "PullRequest:12", pullRequestID("#12"))
	assert.Equal(t, "PullRequest:12", pullRequestID("PullRequest:12"))
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("https://docloop.example.com/", []string{"review", "skills"}, "")
	require.NoError(t, err)
	assert.Equal(t, "wss://docloop.example.com/api/v1/events/stream?type=review%2Cskills", u)

	u, err = streamURL("http://localhost:8080", nil, "Issue:1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/v1/events/stream?entity_id=Issue%3A1", u)
}

func TestCheckConfigFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	assert.NoError(t, checkConfigFile(write("ok.yaml", "review:\n  max_iterations: 2\n")))
	assert.NoError(t, checkConfigFile(write("empty.yaml", "")))
	assert.Error(t, checkConfigFile(write("unknown.yaml", "review:\n  max_iteration: 3\n")))
	assert.Error(t, checkConfigFile(write("removed.yaml", "graph:\n  skill_roots: [skills/]\n")))
	assert.Error(t, checkConfigFile(write("cap.yaml", "review:\n  max_iterations: 5\n")))
	assert.Error(t, checkConfigFile(write("invalid.yaml", "review:\n  engine: cron\n")))
	assert.Error(t, checkConfigFile(write("broken.yaml", "review: [\n")))
	assert.Error(t, checkConfigFile(write("multi.yaml", "server:\n  http_port: 1\n---\nserver:\n  http_port: 2\n")))
}
