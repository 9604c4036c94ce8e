package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line struct {
	Metadata struct {
		IssueKey string `json:"issue_key"`
	} `json:"metadata"`
}

func rec(key string) line {
	var l line
	l.Metadata.IssueKey = key
	return l
}

func TestAppendAndSync(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "KAFKA")
	require.NoError(t, err)

	require.NoError(t, w.Append(rec("KAFKA-1")))
	require.NoError(t, w.Append(rec("KAFKA-2")))
	require.NoError(t, w.Sync())

	n, err := CountLines(dir, "KAFKA")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "KAFKA_issues.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"metadata":{"issue_key":"KAFKA-1"}}`+"\n"+`{"metadata":{"issue_key":"KAFKA-2"}}`+"\n", string(data))
}

func TestOpenAppends(t *testing.T) {
	dir := t.TempDir()
	for _, key := range []string{"A-1", "A-2"} {
		w, err := Open(dir, "A")
		require.NoError(t, err)
		require.NoError(t, w.Append(rec(key)))
		require.NoError(t, w.Close())
	}

	keys, bad, err := ReadKeys(dir, "A")
	require.NoError(t, err)
	assert.Zero(t, bad)
	assert.Equal(t, []string{"A-1", "A-2"}, keys)
}

func TestOpenRepairsPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "A")
	require.NoError(t, os.WriteFile(path, []byte(`{"metadata":{"issue_key":"A-1"}}`+"\n"+`{"metadata":{"iss`), 0o644))

	w, err := Open(dir, "A")
	require.NoError(t, err)
	require.NoError(t, w.Append(rec("A-2")))
	require.NoError(t, w.Close())

	keys, bad, err := ReadKeys(dir, "A")
	require.NoError(t, err)
	assert.Zero(t, bad)
	assert.Equal(t, []string{"A-1", "A-2"}, keys)
}

func TestOpenRepairsSinglePartialLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "A"), []byte(strings.Repeat("x", 10000)), 0o644))

	w, err := Open(dir, "A")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	n, err := CountLines(dir, "A")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadKeysCountsBadLines(t *testing.T) {
	dir := t.TempDir()
	content := `{"metadata":{"issue_key":"A-1"}}` + "\nnot json\n\n" + `{"other":1}` + "\n"
	require.NoError(t, os.WriteFile(Path(dir, "A"), []byte(content), 0o644))

	keys, bad, err := ReadKeys(dir, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1"}, keys)
	assert.Equal(t, 2, bad)
}

func TestReadKeysLongLine(t *testing.T) {
	dir := t.TempDir()
	long := `{"metadata":{"issue_key":"A-1"},"text":"` + strings.Repeat("x", 17<<20) + `"}`
	content := long + "\n" + `{"metadata":{"issue_key":"A-2"}}` + "\n"
	require.NoError(t, os.WriteFile(Path(dir, "A"), []byte(content), 0o644))

	keys, bad, err := ReadKeys(dir, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1", "A-2"}, keys)
	assert.Zero(t, bad)
}

func TestMissingFile(t *testing.T) {
	dir := t.TempDir()
	keys, bad, err := ReadKeys(dir, "NONE")
	require.NoError(t, err)
	assert.Nil(t, keys)
	assert.Zero(t, bad)

	n, err := CountLines(dir, "NONE")
	require.NoError(t, err)
	assert.Zero(t, n)

	rotated, err := Rotate(dir, "NONE", time.Now())
	require.NoError(t, err)
	assert.Empty(t, rotated)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "A")
	require.NoError(t, err)
	require.NoError(t, w.Append(rec("A-1")))
	require.NoError(t, w.Close())

	rotated, err := Rotate(dir, "A", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, Path(dir, "A")+".1700000000", rotated)
	assert.FileExists(t, rotated)
	assert.NoFileExists(t, Path(dir, "A"))
}
