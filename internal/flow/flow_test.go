package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainFunctionYieldsNothing(t *testing.T) {
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (int, error) {
		return 42, nil
	})

	var updates []any
	for u := range r.Updates() {
		updates = append(updates, u)
	}
	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Empty(t, updates)
}

func TestGeneratorForwardsUpdatesThenFinal(t *testing.T) {
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (string, error) {
		for _, u := range []string{"a", "b", "c"} {
			if err := em.Emit(ctx, u); err != nil {
				return "", err
			}
		}
		return "done", nil
	})

	var updates []any
	for u := range r.Updates() {
		updates = append(updates, u)
	}
	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, []any{"a", "b", "c"}, updates)
}

func TestWaitWithoutUpdatesDrains(t *testing.T) {
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (int, error) {
		for i := 0; i < 10; i++ {
			if err := em.Emit(ctx, i); err != nil {
				return 0, err
			}
		}
		return 7, nil
	})

	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (int, error) {
		_ = em.Emit(ctx, "partial")
		return 0, boom
	})

	for range r.Updates() {
	}
	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSingleShot(t *testing.T) {
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (int, error) {
		return 1, nil
	})
	_ = r.Updates()
	assert.Panics(t, func() { r.Updates() })
}

func TestWaitHonorsContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := Start(context.Background(), func(ctx context.Context, em Emitter) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEmitObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Start(ctx, func(ctx context.Context, em Emitter) (int, error) {
		// The consumer never reads, so Emit stays blocked until the
		// context is cancelled.
		if err := em.Emit(ctx, "stuck"); err != nil {
			return 0, err
		}
		return 1, nil
	})
	_ = r.Updates()
	cancel()
	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
