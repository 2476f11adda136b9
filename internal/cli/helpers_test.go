package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/dicom"
)

const testConfigYAML = `
database: archive.db
filesystems:
  fs1: fs1
default_filesystem: fs1
quarantine_root: quarantine
outbox_root: outbox
http:
  listen: "127.0.0.1:0"
queue:
  poll_interval: 50ms
`

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archivist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))
	return &fixture{dir: dir, config: path}
}

// run executes the root command with the fixture configuration and
// returns standard output.
func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", f.config}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// runJSON runs a command with --format json and decodes the data of a
// successful response into v.
func (f *fixture) runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := f.run(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

// writeObject encodes obj into the fixture directory.
func (f *fixture) writeObject(t *testing.T, name string, obj *dicom.Object) string {
	t.Helper()
	data, err := dicom.Marshal(obj)
	require.NoError(t, err)
	path := filepath.Join(f.dir, "objects", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
