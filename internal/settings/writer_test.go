package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestWriter(t *testing.T, initial string) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if initial != "" {
		require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))
	}
	return NewWriter(path)
}

func TestApply_PreservesForeignKeys(t *testing.T) {
	w := newTestWriter(t, `{"model":"opus","env":{"FOO":"bar"},"customKey":{"nested":[1,2,3]}}`)

	require.NoError(t, w.Apply("http://127.0.0.1:8045", "rk_test"))

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	assert.Equal(t, "opus", gjson.GetBytes(raw, "model").String())
	assert.Equal(t, float64(2), gjson.GetBytes(raw, "customKey.nested.1").Num)
	// Controlled keys are fully replaced, not merged.
	assert.False(t, gjson.GetBytes(raw, "env.FOO").Exists())
	assert.Equal(t, "http://127.0.0.1:8045", gjson.GetBytes(raw, "env.ANTHROPIC_BASE_URL").String())
	assert.Equal(t, "rk_test", gjson.GetBytes(raw, "env.ANTHROPIC_AUTH_TOKEN").String())
	assert.True(t, gjson.GetBytes(raw, "permissions").Exists())
	assert.Equal(t, "command", gjson.GetBytes(raw, "statusLine.type").String())
}

func TestApply_MissingFileCreated(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "missing", "settings.json"))

	require.NoError(t, w.Apply("http://127.0.0.1:8045", "rk_test"))
	assert.True(t, w.Matches("http://127.0.0.1:8045", "rk_test"))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	original := `{"model":"opus","env":{"FOO":"bar"},"statusLine":{"type":"static"}}`
	w := newTestWriter(t, original)

	backupPath, err := w.Backup()
	require.NoError(t, err)
	require.NotEmpty(t, backupPath)

	require.NoError(t, w.Apply("http://127.0.0.1:8045", "rk_test"))
	require.NoError(t, w.Restore())

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Equal(t, original, string(raw), "restore must be byte-for-byte")

	// The consumed backup is deleted; none remain.
	_, ok := w.LatestBackup()
	assert.False(t, ok, "no backup may remain after restore")
}

func TestBackup_SkipsWhenPending(t *testing.T) {
	w := newTestWriter(t, `{"a":1}`)

	first, err := w.Backup()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := w.Backup()
	require.NoError(t, err)
	assert.Empty(t, second, "a pending backup must not be overwritten")
}

func TestLatestBackup_LexicographicallyLatestWins(t *testing.T) {
	w := newTestWriter(t, `{"a":1}`)
	dir := filepath.Dir(w.Path())
	base := filepath.Base(w.Path())

	older := filepath.Join(dir, base+".2024-01-01T00-00-00.000Z.backup")
	newer := filepath.Join(dir, base+".2025-06-15T12-00-00.000Z.backup")
	require.NoError(t, os.WriteFile(older, []byte(`{"old":true}`), 0o600))
	require.NoError(t, os.WriteFile(newer, []byte(`{"new":true}`), 0o600))

	latest, ok := w.LatestBackup()
	require.True(t, ok)
	assert.Equal(t, newer, latest)

	require.NoError(t, w.Restore())
	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Equal(t, `{"new":true}`, string(raw))
}

func TestRestore_WithoutBackupStripsControlledKeys(t *testing.T) {
	w := newTestWriter(t, "")
	require.NoError(t, w.Apply("http://127.0.0.1:8045", "rk_test"))

	require.NoError(t, w.Restore())

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	for _, key := range ControlledKeys {
		assert.False(t, gjson.GetBytes(raw, key).Exists(), "key %s must be stripped", key)
	}
}

func TestMatches(t *testing.T) {
	w := newTestWriter(t, "")
	require.NoError(t, w.Apply("http://127.0.0.1:8045", "rk_test"))

	assert.True(t, w.Matches("http://127.0.0.1:8045", "rk_test"))
	assert.False(t, w.Matches("http://127.0.0.1:9000", "rk_test"), "different port must not match")
	assert.False(t, w.Matches("http://127.0.0.1:8045", "rk_other"), "different token must not match")

	// Hand-edited env breaks the match.
	require.NoError(t, os.WriteFile(w.Path(), []byte(`{"env":{"ANTHROPIC_BASE_URL":"http://elsewhere"}}`), 0o644))
	assert.False(t, w.Matches("http://127.0.0.1:8045", "rk_test"))
}
