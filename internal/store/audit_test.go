// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering against real SQLite

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(MemoryPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "gateway.db")

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.AppendAuditLog(context.Background(), &AuditEntry{
		ActorPrincipalID: "op1",
		ActorRole:        "operator",
		Action:           AuditTokenIssued,
		TargetID:         "op1",
	}))
	assert.FileExists(t, path)
}

func TestAuditStore_Append(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		ActorPrincipalID: "op1",
		ActorRole:        "operator",
		Action:           AuditCommandDispatched,
		TargetID:         "A1",
		Detail:           map[string]any{"commandId": "c-1"},
	}
	require.NoError(t, s.AppendAuditLog(ctx, entry))

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "operator", entries[0].ActorRole)
	assert.Equal(t, "c-1", entries[0].Detail["commandId"])
}

func TestAuditStore_AppendUnknownAction(t *testing.T) {
	s := setupTestStore(t)

	err := s.AppendAuditLog(context.Background(), &AuditEntry{
		ActorPrincipalID: "op1",
		Action:           AuditAction("drop_tables"),
	})
	assert.Error(t, err)
}

func TestAuditStore_List_NewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	actions := []AuditAction{AuditAgentConnected, AuditSessionStarted, AuditAgentDisconnected}
	for i, action := range actions {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			ActorPrincipalID: "A1",
			ActorRole:        "agent",
			Action:           action,
			TargetID:         "A1",
			Timestamp:        base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditAgentDisconnected, entries[0].Action)
	assert.Equal(t, AuditAgentConnected, entries[2].Action)
}

func TestAuditStore_List_SameTimestampKeepsInsertOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			ActorPrincipalID: "op1",
			Action:           AuditCommandDispatched,
			TargetID:         fmt.Sprintf("A%d", i),
			Timestamp:        ts,
		}))
	}

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "A2", entries[0].TargetID)
}

func TestAuditStore_List_Filters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []AuditEntry{
		{ActorPrincipalID: "op1", Action: AuditTokenIssued, TargetID: "op1", Timestamp: now.Add(-2 * time.Hour)},
		{ActorPrincipalID: "op1", Action: AuditSessionStarted, TargetID: "A1", Timestamp: now.Add(-time.Hour)},
		{ActorPrincipalID: "op2", Action: AuditSessionStarted, TargetID: "A2", Timestamp: now.Add(-time.Minute)},
		{ActorPrincipalID: "A1", Action: AuditAgentConnected, TargetID: "A1", Timestamp: now},
	}
	for i := range seed {
		require.NoError(t, s.AppendAuditLog(ctx, &seed[i]))
	}

	actor := "op1"
	entries, err := s.ListAuditLog(ctx, AuditFilter{ActorPrincipalID: &actor})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	action := AuditSessionStarted
	entries, err = s.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	target := "A1"
	entries, err = s.ListAuditLog(ctx, AuditFilter{TargetID: &target})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	since := now.Add(-30 * time.Minute)
	entries, err = s.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditAgentConnected, entries[0].Action)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
