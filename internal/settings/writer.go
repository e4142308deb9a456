// Package settings owns the gateway-controlled slice of the CLI client's
// shared settings file (~/.claude/settings.json). Only the `env`,
// `permissions` and `statusLine` top-level keys belong to the gateway; every
// other key is preserved verbatim, which is why mutations go through sjson on
// the raw bytes instead of a decode/re-encode round trip.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ControlledKeys lists the top-level settings keys the gateway fully replaces
// while managed mode is enabled.
var ControlledKeys = []string{"env", "permissions", "statusLine"}

const backupSuffix = ".backup"

// Writer performs backup, restore and atomic replacement of the shared
// settings file.
type Writer struct {
	path string
}

// DefaultPath returns the CLI client's settings file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "settings.json")
}

// NewWriter creates a writer for the settings file at path.
func NewWriter(path string) *Writer {
	if path == "" {
		path = DefaultPath()
	}
	return &Writer{path: path}
}

// Path returns the settings file location this writer operates on.
func (w *Writer) Path() string { return w.path }

// Render computes the gateway-controlled payload for the given local base URL
// and access token, keyed by controlled key, each value being raw JSON.
func Render(baseURL, token string) map[string]string {
	quotedURL, _ := json.Marshal(baseURL)
	quotedToken, _ := json.Marshal(token)
	return map[string]string{
		"env": fmt.Sprintf(`{"ANTHROPIC_BASE_URL":%s,"ANTHROPIC_AUTH_TOKEN":%s,"API_TIMEOUT_MS":"600000"}`,
			quotedURL, quotedToken),
		"permissions": `{"allow":[],"deny":[]}`,
		"statusLine":  `{"type":"command","command":"relaydesk statusline","padding":0}`,
	}
}

// Apply fully replaces the gateway-controlled key-set in the settings file
// while preserving all other keys byte-for-byte. A missing file is created.
func (w *Writer) Apply(baseURL, token string) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		raw = []byte("{}")
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		raw = []byte("{}")
	}

	rendered := Render(baseURL, token)
	for _, key := range ControlledKeys {
		raw, err = sjson.SetRawBytes(raw, key, []byte(rendered[key]))
		if err != nil {
			return err
		}
	}
	return w.writeAtomic(raw)
}

// Strip removes the gateway-controlled keys, leaving all other keys intact.
// Used when disable must proceed without a pending backup.
func (w *Writer) Strip() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, key := range ControlledKeys {
		raw, err = sjson.DeleteBytes(raw, key)
		if err != nil {
			return err
		}
	}
	return w.writeAtomic(raw)
}

// Matches reports whether the settings file already carries exactly the
// payload the gateway would write for baseURL/token. Comparison is structural
// so formatting differences do not matter.
func (w *Writer) Matches(baseURL, token string) bool {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return false
	}
	rendered := Render(baseURL, token)
	for _, key := range ControlledKeys {
		got := gjson.GetBytes(raw, key)
		if !got.Exists() {
			return false
		}
		var gotVal, wantVal any
		if err = json.Unmarshal([]byte(got.Raw), &gotVal); err != nil {
			return false
		}
		if err = json.Unmarshal([]byte(rendered[key]), &wantVal); err != nil {
			return false
		}
		if !reflect.DeepEqual(gotVal, wantVal) {
			return false
		}
	}
	return true
}

// Backup takes a byte-for-byte copy of the settings file next to it, named
// settings.json.<timestamp>.backup. It is a no-op when a backup is already
// pending or when the original file does not exist.
func (w *Writer) Backup() (string, error) {
	if _, ok := w.LatestBackup(); ok {
		return "", nil
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	// Colon-free so the name stays valid on every filesystem while remaining
	// lexicographically ordered.
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	backupPath := w.path + "." + stamp + backupSuffix
	if err = os.WriteFile(backupPath, raw, 0o600); err != nil {
		return "", err
	}
	return backupPath, nil
}

// LatestBackup returns the lexicographically latest backup file for the
// settings path, if any.
func (w *Writer) LatestBackup() (string, bool) {
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, base+".") && strings.HasSuffix(name, backupSuffix) {
			backups = append(backups, name)
		}
	}
	if len(backups) == 0 {
		return "", false
	}
	sort.Strings(backups)
	return filepath.Join(dir, backups[len(backups)-1]), true
}

// Restore puts the settings file back to its pre-enable content from the
// latest backup and deletes that backup. Without a pending backup it falls
// back to stripping the gateway-controlled keys.
func (w *Writer) Restore() error {
	backupPath, ok := w.LatestBackup()
	if !ok {
		return w.Strip()
	}
	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	if err = w.writeAtomic(raw); err != nil {
		return err
	}
	return os.Remove(backupPath)
}

func (w *Writer) writeAtomic(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}
