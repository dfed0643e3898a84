package system

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/ThreadLoom/internal/config"
)

func newTestSystem(t *testing.T, ephemeral bool) *System {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(""), 0o644))
	require.NoError(t, config.Initialize(cfgPath))
	config.Set("data-dir", t.TempDir())
	config.Set("ephemeral", ephemeral)

	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := New(context.Background(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestNewWiresEverything(t *testing.T) {
	s := newTestSystem(t, false)
	assert.NotNil(t, s.Engine)
	assert.NotNil(t, s.Threads)
	assert.NotNil(t, s.Context)
	assert.NotNil(t, s.Auth)
	assert.NotNil(t, s.Turns)
	assert.Empty(t, s.EphemeralPassword)

	// Built-ins registered.
	assert.Equal(t, []string{"call-config", "clock", "window"}, s.Registry.Names())
	assert.NotNil(t, s.Registry.Tool("current_time"))
}

func TestDataDirLockIsExclusive(t *testing.T) {
	s := newTestSystem(t, false)
	_ = s

	log := logrus.New()
	log.SetOutput(io.Discard)
	_, err := New(context.Background(), log)
	assert.Error(t, err)
}

func TestEphemeralMode(t *testing.T) {
	s := newTestSystem(t, true)
	require.NotEmpty(t, s.EphemeralPassword)

	user, err := s.Auth.Authenticate("admin", s.EphemeralPassword)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	// No lock is held, so a second ephemeral system can coexist.
	log := logrus.New()
	log.SetOutput(io.Discard)
	s2, err := New(context.Background(), log)
	require.NoError(t, err)
	_ = s2.Shutdown(context.Background())
}
