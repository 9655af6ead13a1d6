package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Engine owns the current policy snapshot. Reads take the snapshot under a
// read lock and evaluate without holding it; every write through the engine
// swaps in a fresh snapshot.
type Engine struct {
	store Store

	mu       sync.RWMutex
	snapshot *Snapshot
	watcher  *FileWatcher
}

func NewEngine(ctx context.Context, store Store) (*Engine, error) {
	e := &Engine{store: store}
	if err := e.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return e, nil
}

func (e *Engine) Evaluate(a Attributes) Result {
	return e.Snapshot().Evaluate(a)
}

func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Refresh rebuilds the snapshot from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	policies, err := e.store.List(ctx)
	if err != nil {
		return err
	}

	snap := NewSnapshot(policies)

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()

	log.Info().Int("enabled", snap.Len()).Int("total", len(policies)).Msg("policy snapshot refreshed")
	return nil
}

func (e *Engine) List(ctx context.Context) ([]Policy, error) {
	return e.store.List(ctx)
}

func (e *Engine) Get(ctx context.Context, id int64) (Policy, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) Create(ctx context.Context, p *Policy) error {
	if err := Validate(*p); err != nil {
		return err
	}
	if err := e.store.Create(ctx, p); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

func (e *Engine) Update(ctx context.Context, p *Policy) error {
	if err := Validate(*p); err != nil {
		return err
	}
	if err := e.store.Update(ctx, p); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

func (e *Engine) Delete(ctx context.Context, id int64) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

// SyncSeedFile replaces the file-sourced policies with the contents of path.
func (e *Engine) SyncSeedFile(ctx context.Context, path string) error {
	policies, err := LoadSeedFile(path)
	if err != nil {
		return err
	}
	if err := e.store.ReplaceSource(ctx, SourceFile, policies); err != nil {
		return fmt.Errorf("sync policy file: %w", err)
	}

	log.Info().Str("path", path).Int("policies", len(policies)).Msg("policy file synced")
	return e.Refresh(ctx)
}

// WatchSeedFile re-syncs path whenever it changes on disk.
func (e *Engine) WatchSeedFile(path string) error {
	watcher, err := NewFileWatcher(path, e.handleSeedChange)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.watcher = watcher
	return nil
}

func (e *Engine) handleSeedChange(path string) {
	log.Info().Str("path", path).Msg("policy file changed, reloading")

	if err := e.SyncSeedFile(context.Background(), path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to reload policy file")
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}
