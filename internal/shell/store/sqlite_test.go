package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestDeployment(t *testing.T, owner string) *domain.Deployment {
	t.Helper()
	d, err := domain.NewDeployment(owner, domain.DeploymentConfig{
		Files:    []domain.FileEntry{{Path: "index.js", Content: "require('http')"}},
		Env:      map[string]string{"NODE_ENV": "production"},
		Timeout:  5 * time.Minute,
		Port:     3000,
		Priority: domain.PriorityHigh,
	})
	require.NoError(t, err)
	return d
}

func createTestDeployment(t *testing.T, store Store, owner string) *domain.Deployment {
	t.Helper()
	d := newTestDeployment(t, owner)
	require.NoError(t, store.Upsert(context.Background(), d))
	return d
}

func advance(t *testing.T, store Store, d *domain.Deployment, statuses ...domain.DeploymentStatus) {
	t.Helper()
	for _, s := range statuses {
		require.NoError(t, d.Transition(s))
		require.NoError(t, store.Upsert(context.Background(), d))
	}
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestUpsert_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, store, "alice")
	d.ProjectKind = domain.KindRuntime
	d.Framework = "express"
	d.RetryOf = "previous-id"
	require.NoError(t, store.Upsert(ctx, d))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, d.Config, got.Config)
	assert.Equal(t, domain.KindRuntime, got.ProjectKind)
	assert.Equal(t, "express", got.Framework)
	assert.Equal(t, "previous-id", got.RetryOf)
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.Error)
}

func TestUpsert_PersistsFailureAndEndpoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	running := createTestDeployment(t, store, "alice")
	advance(t, store, running, domain.StatusAnalyzing, domain.StatusProvisioning,
		domain.StatusConfiguring, domain.StatusStarting, domain.StatusHealthChecking)
	running.ProviderHandle = "c0ffee"
	require.NoError(t, running.MarkRunning("http://localhost:49001"))
	require.NoError(t, store.Upsert(ctx, running))

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "http://localhost:49001", got.Endpoint)
	assert.Equal(t, "c0ffee", got.ProviderHandle)

	failed := createTestDeployment(t, store, "bob")
	advance(t, store, failed, domain.StatusAnalyzing)
	require.NoError(t, failed.Fail(&domain.DeploymentError{
		Kind:       domain.ErrorKindAdmissionRejected,
		Message:    "queue full",
		Step:       domain.StatusAnalyzing,
		Retryable:  true,
		RetryAfter: 10 * time.Second,
	}))
	failed.TeardownPending = true
	require.NoError(t, store.Upsert(ctx, failed))

	got, err = store.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, *failed.Error, *got.Error)
	assert.True(t, got.TeardownPending)
}

func TestGet_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))

	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Get", serr.Op)
	assert.Equal(t, "missing", serr.ID)
}

func TestListTransitions_RecordsEveryStatusChange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, store, "alice")
	advance(t, store, d, domain.StatusAnalyzing, domain.StatusProvisioning)

	// Same-status writes do not add history.
	d.ProviderHandle = "abc"
	require.NoError(t, store.Upsert(ctx, d))

	require.NoError(t, d.Fail(&domain.DeploymentError{Kind: domain.ErrorKindProviderPermanent, Message: "boom"}))
	require.NoError(t, store.Upsert(ctx, d))

	transitions, err := store.ListTransitions(ctx, d.ID)
	require.NoError(t, err)

	var pairs [][2]domain.DeploymentStatus
	for _, tr := range transitions {
		pairs = append(pairs, [2]domain.DeploymentStatus{tr.From, tr.To})
	}
	assert.Equal(t, [][2]domain.DeploymentStatus{
		{"", domain.StatusPending},
		{domain.StatusPending, domain.StatusAnalyzing},
		{domain.StatusAnalyzing, domain.StatusProvisioning},
		{domain.StatusProvisioning, domain.StatusFailed},
	}, pairs)
	assert.Equal(t, domain.ErrorKindProviderPermanent, transitions[3].ErrorKind)
	assert.Empty(t, transitions[2].ErrorKind)
}

func TestListByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := createTestDeployment(t, store, "alice")
	b := createTestDeployment(t, store, "bob")
	createTestDeployment(t, store, "carol")
	advance(t, store, a, domain.StatusAnalyzing)
	advance(t, store, b, domain.StatusAnalyzing)

	analyzing, err := store.ListByStatus(ctx, domain.StatusAnalyzing)
	require.NoError(t, err)
	assert.Len(t, analyzing, 2)

	pending, err := store.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "carol", pending[0].OwnerID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.DeploymentStatus]int{
		domain.StatusAnalyzing: 2,
		domain.StatusPending:   1,
	}, counts)
}

func TestListByOwner_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createTestDeployment(t, store, "alice")
	}
	createTestDeployment(t, store, "bob")

	all, err := store.ListByOwner(ctx, "alice", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}

	page, err := store.ListByOwner(ctx, "alice", ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	none, err := store.ListByOwner(ctx, "nobody", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListTeardownPending(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, store, "alice")
	createTestDeployment(t, store, "bob")

	d.TeardownPending = true
	require.NoError(t, store.Upsert(ctx, d))

	pending, err := store.ListTeardownPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)

	d.TeardownPending = false
	require.NoError(t, store.Upsert(ctx, d))
	pending, err = store.ListTeardownPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNewSQLiteStore_FileDatabaseReopens(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "coderunner.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	d := createTestDeployment(t, first, "alice")
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		in, want ListOptions
	}{
		{ListOptions{}, ListOptions{Limit: 100}},
		{ListOptions{Limit: 5000, Offset: -1}, ListOptions{Limit: 1000}},
		{ListOptions{Limit: 10, Offset: 20}, ListOptions{Limit: 10, Offset: 20}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize())
	}
}
