// Package system assembles the running service: storage, managers,
// auth, the plugin registry, and the turn orchestrator, built from the
// configuration singleton.
package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/untoldecay/ThreadLoom/internal/auth"
	"github.com/untoldecay/ThreadLoom/internal/chatctx"
	"github.com/untoldecay/ThreadLoom/internal/config"
	"github.com/untoldecay/ThreadLoom/internal/model"
	"github.com/untoldecay/ThreadLoom/internal/plugin"
	"github.com/untoldecay/ThreadLoom/internal/prompts"
	"github.com/untoldecay/ThreadLoom/internal/store"
	"github.com/untoldecay/ThreadLoom/internal/store/sqlite"
	"github.com/untoldecay/ThreadLoom/internal/thread"
	"github.com/untoldecay/ThreadLoom/internal/turn"
)

// System holds every wired component of a running instance.
type System struct {
	Log      *logrus.Logger
	Engine   store.Engine
	Threads  *thread.Manager
	Context  *chatctx.Manager
	Prompts  *prompts.Library
	Auth     *auth.Service
	Registry *plugin.Registry
	Provider model.Provider
	Turns    *turn.Orchestrator

	// EphemeralPassword is set only in ephemeral mode, for display at
	// startup.
	EphemeralPassword string

	lock *flock.Flock
}

// New builds a System from the initialized configuration. In ephemeral
// mode everything lives in memory: no data directory, no lock, and a
// generated admin credential.
func New(ctx context.Context, log *logrus.Logger) (*System, error) {
	s := &System{Log: log}
	ephemeral := config.GetBool("ephemeral")

	if !ephemeral {
		dataDir := config.DataDir()
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		// One instance per data directory; two daemons on the same
		// SQLite file would fight over the WAL.
		s.lock = flock.New(filepath.Join(dataDir, "loom.lock"))
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire data directory lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("data directory %s is in use by another instance", dataDir)
		}
	}

	s.Engine = sqlite.New(config.DatabasePath(), log)
	s.Threads = thread.New(s.Engine, log)
	s.Context = chatctx.New(s.Engine, s.Threads, log)
	if err := s.initStores(ctx); err != nil {
		s.releaseLock()
		return nil, err
	}

	s.Prompts = prompts.New(config.PromptsFilePath(), log)
	if err := s.Prompts.Load(); err != nil {
		s.releaseLock()
		return nil, err
	}

	if err := s.initAuth(log); err != nil {
		s.releaseLock()
		return nil, err
	}

	registry, err := buildRegistry(s, log)
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.Registry = registry

	s.Provider = model.New(config.GetString("model.api-key"), log)
	s.Turns = turn.New(s.Threads, s.Context, s.Prompts, s.Provider, s.Registry, log)
	return s, nil
}

func (s *System) initStores(ctx context.Context) error {
	if err := s.Threads.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize thread store: %w", err)
	}
	if err := s.Context.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize context store: %w", err)
	}
	return nil
}

func (s *System) initAuth(log *logrus.Logger) error {
	if config.GetBool("ephemeral") {
		svc, password, err := auth.NewEphemeral(log)
		if err != nil {
			return err
		}
		s.Auth = svc
		s.EphemeralPassword = password
		return nil
	}

	secret, err := auth.ResolveSecret(config.DataDir())
	if err != nil {
		return err
	}
	svc, err := auth.New(config.UsersFilePath(), secret, log)
	if err != nil {
		return err
	}
	s.Auth = svc
	return nil
}

// WatchPrompts starts hot reloading of the prompt library. Failure to
// watch is not fatal; prompts just stay as loaded.
func (s *System) WatchPrompts(ctx context.Context) {
	if err := s.Prompts.Watch(ctx); err != nil {
		s.Log.WithError(err).Warn("prompt hot reload unavailable")
	}
}

// Shutdown stops plugins first, then flushes and closes the store, then
// releases the data directory lock.
func (s *System) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.Registry.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.Engine.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.releaseLock()
	return firstErr
}

func (s *System) releaseLock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}
