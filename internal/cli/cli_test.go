package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
robot:
  joints: 4
  history_size: 500
  real_time_mode: true
  first_action_timeout_ms: 250
  max_actions: 10
  max_action_repetitions: 3
  control_rate_hz: 200

monitor:
  enabled: true
  max_action_duration_ms: 30
  max_inter_action_duration_ms: 40

logger:
  enabled: true
  path: /tmp/robot.log
  buffer_size: 100
  flush_interval_ms: 500

metrics:
  enabled: true
  port: 9100
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Robot.Joints)
	assert.Equal(t, 500, cfg.Robot.HistorySize)
	assert.True(t, cfg.Robot.RealTimeMode)
	assert.Equal(t, 250, cfg.Robot.FirstActionTimeoutMs)
	assert.Equal(t, uint32(10), cfg.Robot.MaxActions)
	assert.Equal(t, uint32(3), cfg.Robot.MaxActionRepetitions)
	assert.Equal(t, 200.0, cfg.Robot.ControlRateHz)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 30, cfg.Monitor.MaxActionDurationMs)
	assert.Equal(t, 40, cfg.Monitor.MaxInterActionDurationMs)

	assert.True(t, cfg.Logger.Enabled)
	assert.Equal(t, "/tmp/robot.log", cfg.Logger.Path)
	assert.Equal(t, 100, cfg.Logger.BufferSize)
	assert.Equal(t, 500, cfg.Logger.FlushIntervalMs)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
robot:
  real_time_mode: false
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Robot.Joints, "joint count falls back to the default")
	assert.Equal(t, 100.0, cfg.Robot.ControlRateHz, "control rate falls back to the default")
	assert.False(t, cfg.Robot.RealTimeMode)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "robot: [not a mapping"))
	assert.Error(t, err)
}

func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	require.NotNil(t, root)
	assert.Equal(t, "robot-relay", root.Use)

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "run", run.Name())
}
