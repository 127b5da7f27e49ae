package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/sqlitedlq"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "xrelayd", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"probe"}, {"dlq"}, {"dlq", "list"}, {"dlq", "replay"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"dlq", "list", "--format", "xml"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

// writeConfig writes a config using the in-memory transport.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "xrelay.yaml")
	data := []byte("transport:\n  name: memory\n  options: {}\nqueue:\n  max_attempts: 2\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func seedDLQ(t *testing.T, path string, ids ...string) {
	t.Helper()
	s, err := sqlitedlq.Open(path)
	require.NoError(t, err)
	defer s.Close()
	for _, id := range ids {
		require.NoError(t, s.Store(context.Background(), xrelay.DeadLetter{
			ID:        id,
			Channel:   xrelay.ChannelActivity,
			Payload:   `{"userId":"u1"}`,
			Attempts:  5,
			LastError: "boom",
			FailedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDLQListJSON(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "dlq.db")
	seedDLQ(t, db, "a", "b")

	out, err := execute(t, "dlq", "list", "--db", db, "--format", "json", "-c", writeConfig(t, dir))
	require.NoError(t, err)

	var recs []sqlitedlq.Record
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
}

func TestDLQListText(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "dlq.db")
	seedDLQ(t, db, "a")

	out, err := execute(t, "dlq", "list", "--db", db, "-c", writeConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "activity")
}

func TestDLQListRequiresDatabase(t *testing.T) {
	_, err := execute(t, "dlq", "list", "-c", writeConfig(t, t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDLQReplay(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "dlq.db")
	seedDLQ(t, db, "a")

	out, err := execute(t, "dlq", "replay", "1", "--db", db, "-c", writeConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 1")

	s, err := sqlitedlq.Open(db)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQReplayInvalidSeq(t *testing.T) {
	_, err := execute(t, "dlq", "replay", "abc", "--db", "x.db", "-c", writeConfig(t, t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
