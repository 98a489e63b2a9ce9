package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
	"github.com/xkilldash9x/deskpilot/internal/config"
	"github.com/xkilldash9x/deskpilot/internal/observability"
	"github.com/xkilldash9x/deskpilot/internal/platform"
	"github.com/xkilldash9x/deskpilot/internal/store"
)

const quietConfig = `
logger:
  level: fatal
  log_file: ""
autonomy:
  state_file: ""
  knowledge_file: ""
  transcript_file: ""
actuator:
  device: dryrun
  humanize: false
capture:
  fps: 20
`

// resetForTest isolates a test from the user's home, config and the global logger.
func resetForTest(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	observability.ResetForTest()
	origDevice, origStore := openDevice, connectStore
	t.Cleanup(func() {
		cfgFile = ""
		openDevice, connectStore = origDevice, origStore
		observability.ResetForTest()
	})
}

// createTempConfig writes content to a config file in a temporary directory.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// executeCommand runs the root command with the quiet config and returns its output.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", createTempConfig(t, quietConfig)}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "deskpilot version "+Version)
}

func TestVersionCommand(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "deskpilot version "+Version)
}

func TestConfigErrorsSurface(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", createTempConfig(t, "capture:\n  fps: 0\n"), "version"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture.fps")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestWindowsCommand(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "", "windows")
	require.NoError(t, err)
	assert.Contains(t, out, "1. "+platform.VirtualScreen.String())
}

func TestScanCommand(t *testing.T) {
	resetForTest(t)

	out, err := executeCommand(t, "", "scan", "1", "--tile-size", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "4 tiles")
	assert.Contains(t, out, "#3   r1 c1 920x80+1000+1000")

	_, err = executeCommand(t, "", "scan", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no window 7")

	_, err = executeCommand(t, "", "scan", "first")
	assert.Error(t, err)
}

func TestRunCommandServesOperatorPrompt(t *testing.T) {
	resetForTest(t)

	out, err := executeCommand(t, "/status\n/ventana\n/ventana 1\n/power 7\nexit\n", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Type /help for commands")
	assert.Contains(t, out, "State: IDLE")
	assert.Contains(t, out, "1. "+platform.VirtualScreen.String())
	assert.Contains(t, out, "Target set to")
	assert.Contains(t, out, "Power level 7")
	assert.Contains(t, out, "[state] IDLE -> ARMED")
}

func TestRunCommandKnowledgeFailure(t *testing.T) {
	resetForTest(t)
	t.Setenv("DESKPILOT_KNOWLEDGE_DSN", "postgres://nowhere/db")
	connectStore = func(context.Context, string, string, *zap.Logger) (*store.Store, func(), error) {
		return nil, nil, errors.New("connection refused")
	}

	_, err := executeCommand(t, "", "run", "--knowledge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestReadExperiences(t *testing.T) {
	in := strings.NewReader(`{"category":"autonomy_success","action":"click 1, 2"}

{"id":"x","category":"chat","observation":"hello"}
`)
	exps, err := readExperiences(in)
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "click 1, 2", exps[0].Action)
	assert.Equal(t, "x", exps[1].ID)

	_, err = readExperiences(strings.NewReader("{\"category\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestPrintExperiences(t *testing.T) {
	var out bytes.Buffer
	printExperiences(&out, nil)
	assert.Equal(t, "No experiences found.\n", out.String())

	out.Reset()
	printExperiences(&out, []schemas.Experience{{
		ID: "e1", Category: "autonomy_success", Action: "click 3, 4", Outcome: "changed",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, out.String(), "e1")
	assert.Contains(t, out.String(), "did:     click 3, 4")
	assert.NotContains(t, out.String(), "saw:")
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		ev   agent.Event
		want string
	}{
		{agent.Event{Type: schemas.EventThoughtLog, Payload: map[string]interface{}{"text": "click the 7"}}, "[thought] click the 7"},
		{agent.Event{Type: schemas.EventStateChange, Payload: map[string]interface{}{"from": "ARMED", "to": "AUTONOMOUS", "reason": "activate"}}, "[state] ARMED -> AUTONOMOUS (activate)"},
		{agent.Event{Type: schemas.EventBackpressure, Payload: map[string]interface{}{"code": "BUDGET_EXHAUSTED", "dropped": 2}}, "[budget] BUDGET_EXHAUSTED: dropped 2 actions"},
		{agent.Event{Type: schemas.EventMouseMove, Payload: map[string]interface{}{"y": 2, "x": 1}}, "[mouse_move] x=1 y=2"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatEvent(tc.ev))
	}
}

func TestHumanoidConfig(t *testing.T) {
	h := humanoidConfig(config.ActuatorConfig{FittsA: 10})
	assert.Equal(t, 10.0, h.FittsA)
	assert.Equal(t, 120.0, h.FittsB)
}
