package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/logger"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	cfg := &config.AgentConfig{UseMockAgent: true, KillGraceSeconds: 5}
	return NewManager(cfg, log)
}

func TestSpawnMockAgentBecomesAlive(t *testing.T) {
	m := testManager(t)
	dir := t.TempDir()

	proc, err := m.Spawn(context.Background(), "session-1", dir)
	require.NoError(t, err)
	assert.True(t, proc.IsAlive())
	assert.True(t, m.IsAlive("session-1"))

	require.NoError(t, m.Kill(context.Background(), "session-1"))
	assert.False(t, m.IsAlive("session-1"))
}

func TestSpawnRejectsDuplicateSession(t *testing.T) {
	m := testManager(t)
	dir := t.TempDir()

	_, err := m.Spawn(context.Background(), "session-1", dir)
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), "session-1", dir)
	assert.Error(t, err)

	require.NoError(t, m.Kill(context.Background(), "session-1"))
}

func TestStopSendsSIGTERMBeforeSIGKILL(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	cfg := &config.AgentConfig{
		Command:          []string{"sh", "-c", "trap 'exit 0' TERM; sleep 30 & wait"},
		KillGraceSeconds: 2,
	}
	m := NewManager(cfg, log)

	proc, err := m.Spawn(context.Background(), "session-1", t.TempDir())
	require.NoError(t, err)
	require.Eventually(t, proc.IsAlive, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, proc.Stop(ctx))

	// A graceful exit() 0 from the script's own SIGTERM trap means the
	// process was asked nicely rather than SIGKILLed straight away.
	assert.Equal(t, 0, proc.ExitCode())
}

func TestKillAllStopsEverySession(t *testing.T) {
	m := testManager(t)
	dir := t.TempDir()

	_, err := m.Spawn(context.Background(), "session-1", dir)
	require.NoError(t, err)
	_, err = m.Spawn(context.Background(), "session-2", dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.KillAll(ctx)

	assert.False(t, m.IsAlive("session-1"))
	assert.False(t, m.IsAlive("session-2"))
	assert.Equal(t, 0, m.Count())
}
