package managed

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/relaydesk/relaydesk/internal/config"
	apperrors "github.com/relaydesk/relaydesk/internal/errors"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// newTestService builds a service over temp config/settings files with a free
// port and one provider p1.
func newTestService(t *testing.T, upstreamURL string) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "managed-mode.json")
	settingsPath := filepath.Join(dir, "settings.json")

	seed := config.Default()
	seed.Port = freePort(t)
	seed.Providers = []config.Provider{{
		ID: "p1", Name: "alpha", Type: "anthropic",
		APIBaseURL: upstreamURL, APIKey: "k1", Enabled: true,
	}}
	require.NoError(t, seed.Save(configPath))

	svc, err := NewService(Options{ConfigPath: configPath, SettingsPath: settingsPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, settingsPath
}

func TestEnableDisable_SettingsRoundTrip(t *testing.T) {
	svc, settingsPath := newTestService(t, "http://unused.example")
	original := `{"model":"opus","env":{"KEEP":"me"}}`
	require.NoError(t, os.WriteFile(settingsPath, []byte(original), 0o644))

	require.NoError(t, svc.EnableManagedMode())

	raw, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	assert.Contains(t, gjson.GetBytes(raw, "env.ANTHROPIC_BASE_URL").String(), "127.0.0.1")
	assert.Equal(t, "opus", gjson.GetBytes(raw, "model").String(), "foreign keys preserved while enabled")

	st := svc.GetStatus()
	assert.True(t, st.Running)
	assert.True(t, st.Enabled)
	assert.NotNil(t, st.StartTime)
	assert.NotZero(t, st.PID)

	require.NoError(t, svc.DisableManagedMode())

	raw, err = os.ReadFile(settingsPath)
	require.NoError(t, err)
	assert.Equal(t, original, string(raw), "settings must round-trip byte-for-byte")

	entries, err := os.ReadDir(filepath.Dir(settingsPath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".backup"), "no backup may remain: %s", e.Name())
	}

	st = svc.GetStatus()
	assert.False(t, st.Running)
	assert.False(t, st.Enabled)
}

func TestSwitchProvider(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")

	err := svc.SwitchProvider("absent")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeProviderNotFound))
	assert.Empty(t, svc.GetStatus().CurrentProvider)

	require.NoError(t, svc.SwitchProvider("p1"))
	assert.Equal(t, "p1", svc.GetStatus().CurrentProvider)
}

func TestDeleteProvider_ActiveProtected(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")
	require.NoError(t, svc.SwitchProvider("p1"))

	err := svc.DeleteProvider("p1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeProviderActive))
	assert.Len(t, svc.ListProviders(), 1, "registry must be unchanged")
}

func TestSwitchThenForward(t *testing.T) {
	var gotKey atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, upstream.URL)
	require.NoError(t, svc.SwitchProvider("p1"))
	require.NoError(t, svc.Start())

	cfg := svc.GetConfig()
	req, err := http.NewRequest(http.MethodPost, cfg.BaseURL()+"/v1/messages",
		strings.NewReader(`{"model":"claude-3","messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+svc.GetAccessToken())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "msg_1", gjson.GetBytes(body, "id").String())
	assert.Equal(t, "k1", gotKey.Load(), "forward must carry p1's key as the upstream credential")
}

func TestUpdateConfig_PortChangeRewritesSettings(t *testing.T) {
	svc, settingsPath := newTestService(t, "http://unused.example")
	require.NoError(t, svc.EnableManagedMode())

	newPort := freePort(t)
	require.NoError(t, svc.UpdateConfig(ConfigPatch{Port: &newPort}))

	raw, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	updatedCfg := svc.GetConfig()
	assert.Equal(t, updatedCfg.BaseURL(), gjson.GetBytes(raw, "env.ANTHROPIC_BASE_URL").String(),
		"settings must follow the gateway to the new port")
	assert.True(t, svc.GetStatus().Running)
	require.NoError(t, svc.DisableManagedMode())
}

func TestEnableManagedMode_FailedBindRestoresAutoStart(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")
	require.False(t, svc.GetConfig().AutoStart)

	// Occupy the gateway port so the bind fails.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", svc.GetConfig().Port))
	require.NoError(t, err)
	defer ln.Close()

	err = svc.EnableManagedMode()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePortInUse))

	got := svc.GetConfig()
	assert.False(t, got.Enabled)
	assert.False(t, got.AutoStart, "a failed enable must not flip autoStart")
}

func TestStart_Twice(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")
	require.NoError(t, svc.Start())
	err := svc.Start()
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyRunning))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop(), "stop is idempotent")
}

func TestCalibrate_AdoptsMatchingSettings(t *testing.T) {
	svc, settingsPath := newTestService(t, "http://unused.example")

	// Simulate a previous enabled session whose process crashed: the settings
	// file carries exactly what the gateway would write.
	require.NoError(t, svc.EnableManagedMode())
	require.NoError(t, svc.Stop())

	// Forget enabled-state, as a crash before persistence would.
	cfg := svc.GetConfig()
	cfg.Enabled = false
	cfg.AutoStart = false
	configPath := svc.opts.ConfigPath
	require.NoError(t, cfg.Save(configPath))

	svc2, err := NewService(Options{ConfigPath: configPath, SettingsPath: settingsPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc2.Stop() })
	require.NoError(t, svc2.Initialize())

	assert.True(t, svc2.GetStatus().Enabled, "calibration must adopt enabled from a matching settings file")

	// Idempotent crash recovery: no second backup was taken.
	entries, err := os.ReadDir(filepath.Dir(settingsPath))
	require.NoError(t, err)
	backups := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".backup") {
			backups++
		}
	}
	assert.LessOrEqual(t, backups, 1)
	require.NoError(t, svc2.DisableManagedMode())
}

func TestCalibrate_MismatchOnlyWarns(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "managed-mode.json")
	settingsPath := filepath.Join(dir, "settings.json")

	seed := config.Default()
	seed.Port = freePort(t)
	seed.Enabled = true
	seed.AutoStart = false
	require.NoError(t, seed.Save(configPath))
	// User-edited settings that do not match what the gateway would write.
	require.NoError(t, os.WriteFile(settingsPath, []byte(`{"env":{"ANTHROPIC_BASE_URL":"http://handmade"}}`), 0o644))

	svc, err := NewService(Options{ConfigPath: configPath, SettingsPath: settingsPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	require.NoError(t, svc.Initialize())

	// Read-only calibration: the file is not clobbered.
	raw, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	assert.Equal(t, "http://handmade", gjson.GetBytes(raw, "env.ANTHROPIC_BASE_URL").String())
}

func TestAccessToken(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")

	token := svc.GetAccessToken()
	assert.True(t, svc.ValidateAccessToken(token))
	assert.False(t, svc.ValidateAccessToken("nope"))

	fresh, err := svc.ResetAccessToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.True(t, svc.ValidateAccessToken(fresh))
	assert.False(t, svc.ValidateAccessToken(token))
}

func TestGetEnvCommand(t *testing.T) {
	svc, _ := newTestService(t, "http://unused.example")
	token := svc.GetAccessToken()

	bash := svc.GetEnvCommand("bash")
	assert.Contains(t, bash, "export ANTHROPIC_BASE_URL=")
	assert.Contains(t, bash, token)

	fish := svc.GetEnvCommand("fish")
	assert.Contains(t, fish, "set -x ANTHROPIC_BASE_URL")

	ps := svc.GetEnvCommand("powershell")
	assert.Contains(t, ps, "$env:ANTHROPIC_BASE_URL")
}
