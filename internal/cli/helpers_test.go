package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/testutil"
)

// fixedRunID is the run ID tests store the sample cohort under.
const fixedRunID = "run-0001"

// execute runs cmd with args and returns stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeResponse unmarshals a JSON CLI response, decoding Data into data
// when it is non-nil.
func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if data != nil {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.CLIResponse
}

// storedRun generates the sample cohort into a fresh database and returns
// the database path.
func storedRun(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "cohorts.db")
	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		testutil.SpecsDir(t), "--db", db, "--run-id", fixedRunID)
	require.NoError(t, err)
	return db
}

// writeSpec adds a CUE file to a copy of the sample specs.
func writeSpec(t *testing.T, name, content string) string {
	t.Helper()
	dir := testutil.CopySpecs(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("package t2d\n\n"+content), 0o644))
	return dir
}
