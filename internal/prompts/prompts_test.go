package prompts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestLoadAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: You are a helpful assistant.\npirate: Talk like a pirate.\n"), 0o644))

	lib := New(path, discardLog())
	require.NoError(t, lib.Load())

	p, ok := lib.Get("default")
	assert.True(t, ok)
	assert.Equal(t, "You are a helpful assistant.", p)

	_, ok = lib.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"default", "pirate"}, lib.List())
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	lib := New(filepath.Join(t.TempDir(), "nope.yaml"), discardLog())
	require.NoError(t, lib.Load())
	assert.Empty(t, lib.List())
}

func TestLoadBadYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: ok\n"), 0o644))

	lib := New(path, discardLog())
	require.NoError(t, lib.Load())

	require.NoError(t, os.WriteFile(path, []byte(":\n\t- broken"), 0o644))
	assert.Error(t, lib.Load())

	// Previous prompts survive a failed reload.
	_, ok := lib.Get("default")
	assert.True(t, ok)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: v1\n"), 0o644))

	lib := New(path, discardLog())
	require.NoError(t, lib.Load())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, lib.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("default: v2\n"), 0o644))

	assert.Eventually(t, func() bool {
		p, _ := lib.Get("default")
		return p == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}
