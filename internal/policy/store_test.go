package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func TestStoreCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &Policy{Name: "no-exec", Priority: 10, Enabled: true, EventType: hook.PreToolUse, ToolNamePattern: "exec", Action: ActionDeny}
	require.NoError(t, store.Create(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, SourceAPI, p.Source)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "no-exec", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, hook.PreToolUse, got.EventType)

	p.Enabled = false
	p.Action = ActionAsk
	require.NoError(t, store.Update(ctx, p))

	got, err = store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, ActionAsk, got.Action)

	require.NoError(t, store.Delete(ctx, p.ID))
	_, err = store.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, p.ID), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, p), ErrNotFound)
}

func TestStoreListOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, prio := range []int{1, 10, 10, 5} {
		require.NoError(t, store.Create(ctx, &Policy{Priority: prio, Enabled: true, Action: ActionAllow}))
	}

	policies, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 4)
	assert.Equal(t, 10, policies[0].Priority)
	assert.Equal(t, 10, policies[1].Priority)
	assert.Less(t, policies[0].ID, policies[1].ID)
	assert.Equal(t, 1, policies[3].Priority)
}

func TestStoreReplaceSource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Policy{Name: "manual", Enabled: true, Action: ActionAsk}))
	require.NoError(t, store.ReplaceSource(ctx, SourceFile, []Policy{
		{Name: "a", Enabled: true, Action: ActionDeny},
		{Name: "b", Enabled: true, Action: ActionAllow},
	}))
	require.NoError(t, store.ReplaceSource(ctx, SourceFile, []Policy{
		{Name: "c", Enabled: true, Action: ActionDeny},
	}))

	policies, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	names := map[string]string{}
	for _, p := range policies {
		names[p.Name] = p.Source
	}
	assert.Equal(t, map[string]string{"manual": SourceAPI, "c": SourceFile}, names)
}

func TestEngineRefreshesOnWrite(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, setupTestStore(t))
	require.NoError(t, err)
	defer engine.Close()

	assert.False(t, engine.Evaluate(preToolUse("exec")).Matched)

	p := &Policy{Priority: 10, Enabled: true, EventType: hook.PreToolUse, ToolNamePattern: "exec", Action: ActionDeny}
	require.NoError(t, engine.Create(ctx, p))
	assert.Equal(t, ActionDeny, engine.Evaluate(preToolUse("exec")).Action)

	before := engine.Snapshot()
	p.Enabled = false
	require.NoError(t, engine.Update(ctx, p))
	assert.False(t, engine.Evaluate(preToolUse("exec")).Matched)
	// old snapshots are immutable
	assert.True(t, before.Evaluate(preToolUse("exec")).Matched)

	require.NoError(t, engine.Delete(ctx, p.ID))
	assert.Error(t, engine.Create(ctx, &Policy{Action: "nope"}))
}

func TestEngineSyncSeedFile(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, setupTestStore(t))
	require.NoError(t, err)
	defer engine.Close()

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - name: block-rm
    priority: 100
    event_type: PreToolUse
    tool: Bash
    action: deny
  - name: broken
    tool: "["
    action: allow
  - name: reads
    tool: Read
    action: allow
    enabled: false
`), 0644))

	require.NoError(t, engine.SyncSeedFile(ctx, path))

	policies, err := engine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
	assert.Equal(t, 1, engine.Snapshot().Len())

	got := engine.Evaluate(preToolUse("Bash"))
	assert.Equal(t, ActionDeny, got.Action)
	assert.Equal(t, "block-rm", got.PolicyName)
}

func TestParseSeedRejectsMalformedYAML(t *testing.T) {
	_, err := ParseSeed([]byte("policies: [ {"))
	assert.Error(t, err)
}
