package plan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu    sync.Mutex
	plans map[string][]Plan
	err   error

	// blockCh, when set, makes ListPlans wait until it is closed.
	blockCh chan struct{}
	calls   int
}

func (f *fakeSource) ListPlans(ctx context.Context, conversationID string) ([]Plan, error) {
	f.mu.Lock()
	f.calls++
	blockCh := f.blockCh
	err := f.err
	plans := append([]Plan(nil), f.plans[conversationID]...)
	f.mu.Unlock()
	if blockCh != nil {
		<-blockCh
	}
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (f *fakeSource) set(conversationID string, plans []Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plans == nil {
		f.plans = make(map[string][]Plan)
	}
	f.plans[conversationID] = plans
}

func persistedPlan(id int64, updatedAt string) Plan {
	return Plan{ID: int64p(id), Objective: "obj", UpdatedAt: updatedAt}
}

func Test_Reconciler_Refresh_sortsAndDerivesKeys(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{
		persistedPlan(1, "2026-03-01T10:00:00Z"),
		persistedPlan(2, "2026-03-03T10:00:00Z"),
	})
	r := NewReconciler(src, nil)

	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	plans := r.Plans()
	if len(plans) != 2 || *plans[0].ID != 2 {
		t.Fatalf("plans = %+v", plans)
	}
	if plans[0].VersionKey != "plan:2" {
		t.Fatalf("derived versionKey = %q", plans[0].VersionKey)
	}
	if got := r.Plan(); got == nil || got.Key() != "plan:2" {
		t.Fatalf("effective plan = %+v, want plan:2", got)
	}
	if r.State() != StatePersistedOnly {
		t.Fatalf("state = %s", r.State())
	}
}

func Test_Reconciler_Refresh_noPlansIsEmptyNotError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: ErrNoPlans}
	r := NewReconciler(src, nil)

	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.Plan(); got != nil {
		t.Fatalf("plan = %+v, want nil", got)
	}
	if r.State() != StateEmpty {
		t.Fatalf("state = %s", r.State())
	}
}

func Test_Reconciler_Refresh_failureClearsState(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{persistedPlan(1, "2026-03-01T10:00:00Z")})
	r := NewReconciler(src, nil)
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.CurrentPlan() == nil {
		t.Fatalf("expected a plan before the failure")
	}

	src.mu.Lock()
	src.err = errors.New("server exploded")
	src.mu.Unlock()

	if err := r.Refresh(context.Background(), "chat_a"); err == nil {
		t.Fatalf("Refresh should surface the fetch error")
	}
	// Stale data must not survive a failed refresh.
	if got := r.Plan(); got != nil {
		t.Fatalf("plan = %+v, want nil after failure", got)
	}
	if r.SelectedKey() != "" {
		t.Fatalf("selection = %q, want empty", r.SelectedKey())
	}
}

func Test_Reconciler_Refresh_emptyConversationClears(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{persistedPlan(1, "")})
	r := NewReconciler(src, nil)
	_ = r.Refresh(context.Background(), "chat_a")

	if err := r.Refresh(context.Background(), ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.State() != StateEmpty {
		t.Fatalf("state = %s, want empty", r.State())
	}
}

func Test_Reconciler_staleRefreshDiscarded(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{persistedPlan(1, "2026-03-01T10:00:00Z")})
	src.set("chat_b", []Plan{persistedPlan(2, "2026-03-02T10:00:00Z")})

	r := NewReconciler(src, nil)

	// The refresh for chat_a stalls in flight.
	blockCh := make(chan struct{})
	src.mu.Lock()
	src.blockCh = blockCh
	src.mu.Unlock()

	staleDone := make(chan error, 1)
	go func() { staleDone <- r.Refresh(context.Background(), "chat_a") }()
	waitForCalls(t, src, 1)

	// The user switches conversations; this refresh completes first.
	src.mu.Lock()
	src.blockCh = nil
	src.mu.Unlock()
	if err := r.Refresh(context.Background(), "chat_b"); err != nil {
		t.Fatalf("Refresh chat_b: %v", err)
	}

	// The stale response arrives and must be discarded.
	close(blockCh)
	if err := <-staleDone; err != nil {
		t.Fatalf("stale Refresh: %v", err)
	}

	plans := r.Plans()
	if len(plans) != 1 || *plans[0].ID != 2 {
		t.Fatalf("plans = %+v, want only chat_b's plan", plans)
	}
}

func Test_Reconciler_ApplySnapshot_takesOverSelection(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{persistedPlan(1, "2026-03-01T10:00:00Z")})
	r := NewReconciler(src, nil)
	_ = r.Refresh(context.Background(), "chat_a")

	r.ApplySnapshot(Snapshot{Objective: "live work", VersionKey: "snap-key"})

	if r.State() != StateBoth {
		t.Fatalf("state = %s, want both", r.State())
	}
	got := r.Plan()
	if got == nil || got.Objective != "live work" {
		t.Fatalf("plan = %+v, want the live snapshot", got)
	}
	if r.SelectedKey() != "snap-key" {
		t.Fatalf("selection = %q, want snap-key", r.SelectedKey())
	}
}

func Test_Reconciler_ApplySnapshot_emptyClearsSnapshotOnly(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{persistedPlan(1, "2026-03-01T10:00:00Z")})
	r := NewReconciler(src, nil)
	_ = r.Refresh(context.Background(), "chat_a")
	r.ApplySnapshot(Snapshot{Objective: "live"})

	r.ApplySnapshot(Snapshot{})

	if r.SnapshotPlan() != nil {
		t.Fatalf("snapshot should be cleared")
	}
	// Persisted plans survive.
	if got := r.Plan(); got == nil || got.Key() != "plan:1" {
		t.Fatalf("plan = %+v, want plan:1", got)
	}
}

func Test_Reconciler_ApplySnapshotNull_thenRefreshEmpty_showsNothing(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: ErrNoPlans}
	r := NewReconciler(src, nil)

	r.ApplySnapshot(Snapshot{Objective: "live"})
	r.ApplySnapshot(Snapshot{})
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := r.Plan(); got != nil {
		t.Fatalf("plan = %+v, want nil", got)
	}
}

func Test_Reconciler_snapshotRetiredByPersistedCopy(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	r := NewReconciler(src, nil)

	r.ApplySnapshot(Snapshot{ID: int64p(7), Objective: "live"})
	if r.State() != StateSnapshotOnly {
		t.Fatalf("state = %s, want snapshot_only", r.State())
	}

	// The server persists the same plan; the snapshot retires and the
	// selection follows the persisted copy.
	src.set("chat_a", []Plan{persistedPlan(7, "2026-03-01T10:00:00Z")})
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if r.SnapshotPlan() != nil {
		t.Fatalf("snapshot should be retired")
	}
	if r.State() != StatePersistedOnly {
		t.Fatalf("state = %s, want persisted_only", r.State())
	}
	if r.SelectedKey() != "plan:7" {
		t.Fatalf("selection = %q, want plan:7", r.SelectedKey())
	}
	if got := r.Plan(); got == nil || got.Key() != "plan:7" {
		t.Fatalf("plan = %+v, want plan:7", got)
	}
}

func Test_Reconciler_snapshotRetiredByVersionKey(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	r := NewReconciler(src, nil)

	r.ApplySnapshot(Snapshot{Objective: "live", VersionKey: "id:31"})
	src.set("chat_a", []Plan{{Objective: "persisted", VersionKey: "id:31"}})
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if r.SnapshotPlan() != nil {
		t.Fatalf("snapshot should be retired by matching version key")
	}
	if got := r.Plan(); got == nil || got.Objective != "persisted" {
		t.Fatalf("plan = %+v, want the persisted copy", got)
	}
}

func Test_Reconciler_SelectPlan(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{
		persistedPlan(1, "2026-03-01T10:00:00Z"),
		persistedPlan(2, "2026-03-03T10:00:00Z"),
	})
	r := NewReconciler(src, nil)
	_ = r.Refresh(context.Background(), "chat_a")

	if !r.SelectPlan("plan:1") {
		t.Fatalf("selecting a known key should succeed")
	}
	if got := r.Plan(); got == nil || got.Key() != "plan:1" {
		t.Fatalf("plan = %+v, want plan:1", got)
	}

	if r.SelectPlan("plan:99") {
		t.Fatalf("unknown key should be rejected")
	}
	if r.SelectedKey() != "plan:1" {
		t.Fatalf("selection changed by a rejected key: %q", r.SelectedKey())
	}
}

func Test_Reconciler_selectionSurvivesRefresh(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("chat_a", []Plan{
		persistedPlan(1, "2026-03-01T10:00:00Z"),
		persistedPlan(2, "2026-03-03T10:00:00Z"),
	})
	r := NewReconciler(src, nil)
	_ = r.Refresh(context.Background(), "chat_a")
	_ = r.SelectPlan("plan:1")

	// A newer plan appears; the explicit selection must not move.
	src.set("chat_a", []Plan{
		persistedPlan(1, "2026-03-01T10:00:00Z"),
		persistedPlan(2, "2026-03-03T10:00:00Z"),
		persistedPlan(3, "2026-03-05T10:00:00Z"),
	})
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.SelectedKey() != "plan:1" {
		t.Fatalf("selection = %q, want plan:1", r.SelectedKey())
	}

	// Once the selected plan disappears, selection falls back to newest.
	src.set("chat_a", []Plan{
		persistedPlan(2, "2026-03-03T10:00:00Z"),
		persistedPlan(3, "2026-03-05T10:00:00Z"),
	})
	if err := r.Refresh(context.Background(), "chat_a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.SelectedKey() != "plan:3" {
		t.Fatalf("selection = %q, want plan:3", r.SelectedKey())
	}
}

func waitForCalls(t *testing.T, src *fakeSource, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("source never reached %d calls", n)
}
