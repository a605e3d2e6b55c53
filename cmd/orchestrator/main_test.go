package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitions = `
key: invoice
messages: [approved]
activities:
  - id: start
    type: START_EVENT
    outgoing: [render]
  - id: render
    type: EXTERNAL_TASK
    topic: render
    outgoing: [approval]
  - id: approval
    type: RECEIVE_TASK
    messageReference: approved
    outgoing: [end]
  - id: end
    type: END_EVENT
`

type cliHarness struct {
	t    *testing.T
	base []string
	dir  string
}

func newCLI(t *testing.T) *cliHarness {
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "cli.db") + "?_busy_timeout=5000"
	return &cliHarness{
		t:    t,
		dir:  dir,
		base: []string{"--driver", "sqlite", "--dsn", dsn, "--log-level", "error"},
	}
}

func (h *cliHarness) run(args ...string) []byte {
	h.t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), append(append([]string{}, h.base...), args...), &out, &errOut)
	require.NoError(h.t, err, errOut.String())
	return out.Bytes()
}

func (h *cliHarness) decode(data []byte, v any) {
	h.t.Helper()
	require.NoError(h.t, json.Unmarshal(data, v), string(data))
}

func TestCLIRunsProcessAcrossInvocations(t *testing.T) {
	h := newCLI(t)
	path := filepath.Join(h.dir, "invoice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitions), 0o600))

	var ids []string
	h.decode(h.run("deploy", path), &ids)
	assert.Equal(t, []string{"invoice:1"}, ids)

	var process struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	h.decode(h.run("start", "--key", "invoice", "-b", "INV-7", "-v", "total=12"), &process)
	require.NotEmpty(t, process.ID)
	assert.Equal(t, "ACTIVE", process.State)

	var tasks []struct {
		ID        string         `json:"ID"`
		Variables map[string]any `json:"Variables"`
	}
	h.decode(h.run("poll", "render", "-k", "invoice"), &tasks)
	require.Len(t, tasks, 1)
	assert.EqualValues(t, 12, tasks[0].Variables["total"])

	h.run("complete", tasks[0].ID, "-v", "pdf=inv-7.pdf")

	var correlated map[string]string
	h.decode(h.run("correlate", "approved", "-b", "INV-7"), &correlated)
	assert.Equal(t, process.ID, correlated["processId"])

	var snap struct {
		Process struct {
			State string `json:"state"`
		} `json:"process"`
		Variables map[string]any `json:"variables"`
	}
	h.decode(h.run("show", process.ID), &snap)
	assert.Equal(t, "COMPLETED", snap.Process.State)
	assert.Equal(t, "inv-7.pdf", snap.Variables["pdf"])
}

func TestCLISuspendAndResume(t *testing.T) {
	h := newCLI(t)
	path := filepath.Join(h.dir, "invoice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definitions), 0o600))
	h.run("deploy", path)
	h.run("start", "--id", "invoice:1")

	var counts map[string]int
	h.decode(h.run("suspend", "--key", "invoice"), &counts)
	assert.Equal(t, 1, counts["suspended"])

	var tasks []map[string]any
	h.decode(h.run("poll", "render", "-k", "invoice"), &tasks)
	assert.Empty(t, tasks)

	h.decode(h.run("resume", "--id", "invoice:1"), &counts)
	assert.Equal(t, 1, counts["resumed"])
}

func TestCLIRejectsMissingSelector(t *testing.T) {
	h := newCLI(t)
	var out, errOut bytes.Buffer
	err := run(context.Background(), append(h.base, "suspend"), &out, &errOut)
	assert.Error(t, err)

	err = run(context.Background(), append(h.base, "start"), &out, &errOut)
	assert.Error(t, err)
}

func TestVarsDecodeScalars(t *testing.T) {
	vars, err := Vars{"n": "3", "ok": "true", "name": "ada", "ratio": "0.5"}.decode()
	require.NoError(t, err)
	assert.Equal(t, 3, vars["n"])
	assert.Equal(t, true, vars["ok"])
	assert.Equal(t, "ada", vars["name"])
	assert.Equal(t, 0.5, vars["ratio"])

	vars, err = Vars{}.decode()
	require.NoError(t, err)
	assert.Nil(t, vars)
}
