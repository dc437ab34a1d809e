package workers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeDeployments struct {
	mu          sync.Mutex
	active      map[string]bool
	failFor     map[string]bool
	released    []string
	interrupted []string
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{active: map[string]bool{}, failFor: map[string]bool{}}
}

func (f *fakeDeployments) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeDeployments) ReleaseTeardown(ctx context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[d.ID] {
		return errors.New("runtime unreachable")
	}
	f.released = append(f.released, d.ID)
	return nil
}

func (f *fakeDeployments) Interrupt(ctx context.Context, d *domain.Deployment, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[d.ID] {
		return errors.New("store unavailable")
	}
	f.interrupted = append(f.interrupted, d.ID)
	return nil
}

func setupStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, owner string, statuses ...domain.DeploymentStatus) *domain.Deployment {
	t.Helper()
	d, err := domain.NewDeployment(owner, domain.DeploymentConfig{
		Files: []domain.FileEntry{{Path: "index.js", Content: "// app"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), d))
	for _, st := range statuses {
		require.NoError(t, d.Transition(st))
		require.NoError(t, s.Upsert(context.Background(), d))
	}
	return d
}

// =============================================================================
// Test Configuration
// =============================================================================

func TestDefaultReconcilerConfig(t *testing.T) {
	config := DefaultReconcilerConfig()

	assert.Equal(t, time.Minute, config.Interval)
	assert.Equal(t, 15*time.Minute, config.StaleAfter)
	assert.Equal(t, 5, config.MaxConcurrent)
}

func TestNewReconciler_DefaultConfig(t *testing.T) {
	r := NewReconciler(setupStore(t), newFakeDeployments(), ReconcilerConfig{}, nil)

	assert.NotNil(t, r)
	assert.Equal(t, time.Minute, r.config.Interval)
	assert.Equal(t, 15*time.Minute, r.config.StaleAfter)
	assert.Equal(t, 5, r.config.MaxConcurrent)
}

// =============================================================================
// Test Sweep
// =============================================================================

func TestRunOnce_RetriesPendingTeardowns(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	flagged := seed(t, s, "alice", domain.StatusAnalyzing)
	require.NoError(t, flagged.Fail(&domain.DeploymentError{Kind: domain.ErrorKindProviderPermanent, Message: "boom"}))
	flagged.TeardownPending = true
	require.NoError(t, s.Upsert(ctx, flagged))

	stuck := seed(t, s, "bob", domain.StatusAnalyzing)
	require.NoError(t, stuck.Fail(&domain.DeploymentError{Kind: domain.ErrorKindTimeout, Message: "slow"}))
	stuck.TeardownPending = true
	require.NoError(t, s.Upsert(ctx, stuck))

	seed(t, s, "carol", domain.StatusAnalyzing)

	deps := newFakeDeployments()
	deps.failFor[stuck.ID] = true
	r := NewReconciler(s, deps, ReconcilerConfig{}, nil)

	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TornDown: 1, TeardownFailed: 1}, result)
	assert.Equal(t, []string{flagged.ID}, deps.released)
	assert.Empty(t, deps.interrupted, "fresh in-flight deployments are left alone")
}

func TestRunOnce_InterruptsOrphanedDeployments(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	orphanA := seed(t, s, "alice", domain.StatusAnalyzing, domain.StatusProvisioning)
	orphanB := seed(t, s, "bob")
	owned := seed(t, s, "carol", domain.StatusAnalyzing)
	broken := seed(t, s, "dave", domain.StatusAnalyzing, domain.StatusGenerating)

	running := seed(t, s, "erin", domain.StatusAnalyzing, domain.StatusProvisioning,
		domain.StatusConfiguring, domain.StatusStarting, domain.StatusHealthChecking)
	require.NoError(t, running.MarkRunning("http://localhost:49001"))
	require.NoError(t, s.Upsert(ctx, running))

	deps := newFakeDeployments()
	deps.active[owned.ID] = true
	deps.failFor[broken.ID] = true

	r := NewReconciler(s, deps, ReconcilerConfig{StaleAfter: time.Minute, MaxConcurrent: 2}, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Interrupted: 2, InterruptFailed: 1}, result)

	want := []string{orphanA.ID, orphanB.ID}
	sort.Strings(want)
	got := append([]string(nil), deps.interrupted...)
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestRunOnce_NothingToDo(t *testing.T) {
	r := NewReconciler(setupStore(t), newFakeDeployments(), ReconcilerConfig{}, nil)

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

// =============================================================================
// Test Lifecycle
// =============================================================================

func TestReconciler_StartStop(t *testing.T) {
	s := setupStore(t)
	flagged := seed(t, s, "alice", domain.StatusAnalyzing)
	require.NoError(t, flagged.Fail(&domain.DeploymentError{Kind: domain.ErrorKindInternal, Message: "x"}))
	flagged.TeardownPending = true
	require.NoError(t, s.Upsert(context.Background(), flagged))

	deps := newFakeDeployments()
	r := NewReconciler(s, deps, ReconcilerConfig{Interval: time.Hour, InitialDelay: time.Millisecond}, nil)
	r.Start()

	assert.Eventually(t, func() bool {
		deps.mu.Lock()
		defer deps.mu.Unlock()
		return len(deps.released) == 1
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
