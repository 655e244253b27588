package plan

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNoPlans is returned by a Source when the server reports that the
// conversation has no persisted plans yet (HTTP 400/404). The reconciler
// treats it as an empty list, not a failure.
var ErrNoPlans = errors.New("no plans for conversation")

// Source fetches the persisted plan list for a conversation.
type Source interface {
	ListPlans(ctx context.Context, conversationID string) ([]Plan, error)
}

// State describes which side of the snapshot/persisted dual source of truth
// currently holds data.
type State string

const (
	StateEmpty         State = "empty"
	StateSnapshotOnly  State = "snapshot_only"
	StatePersistedOnly State = "persisted_only"
	StateBoth          State = "both"
)

// Reconciler maintains the authoritative persisted plan list for one
// conversation and merges it with the ephemeral snapshot pushed live during
// streaming, exposing a single de-duplicated, selectable plan.
//
// All state is guarded by mu; refreshes are tagged with a monotonically
// increasing token so a slow response for an older refresh (or an older
// conversation) can never clobber newer state.
type Reconciler struct {
	log *slog.Logger
	src Source

	mu             sync.Mutex
	conversationID string
	refreshSeq     int64
	plans          []Plan
	snapshot       *Plan
	selectedKey    string
}

func NewReconciler(src Source, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{log: log, src: src}
}

// Refresh re-fetches the persisted plan list for conversationID and
// reconciles it with the live snapshot. An empty conversationID clears all
// plan state. Fetch failures other than "no plans yet" clear to an empty
// state so stale data is never displayed.
func (r *Reconciler) Refresh(ctx context.Context, conversationID string) error {
	if r == nil {
		return errors.New("nil reconciler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)

	r.mu.Lock()
	r.refreshSeq++
	token := r.refreshSeq
	r.conversationID = conversationID
	r.mu.Unlock()

	if conversationID == "" {
		r.mu.Lock()
		if token == r.refreshSeq {
			r.clearLocked()
		}
		r.mu.Unlock()
		return nil
	}

	if r.src == nil {
		return errors.New("plan source not ready")
	}
	fetched, err := r.src.ListPlans(ctx, conversationID)
	if err != nil && errors.Is(err, ErrNoPlans) {
		fetched, err = nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if token != r.refreshSeq || conversationID != r.conversationID {
		// A newer refresh (or a conversation switch) superseded this one.
		return nil
	}
	if err != nil {
		r.clearLocked()
		r.log.Warn("plan refresh failed", "conversation_id", conversationID, "err", err)
		return err
	}

	plans := make([]Plan, len(fetched))
	copy(plans, fetched)
	for i := range plans {
		if strings.TrimSpace(plans[i].VersionKey) == "" {
			plans[i].VersionKey = plans[i].Key()
		}
	}
	SortByMostRecent(plans)

	snapshot, retired := retireSnapshot(r.snapshot, plans)
	if retired {
		r.log.Debug("snapshot plan retired by persisted copy", "conversation_id", conversationID)
	}

	r.plans = plans
	r.snapshot = snapshot
	r.selectedKey = resolveSelection(r.selectedKey, snapshot, plans)
	return nil
}

// retireSnapshot is the single transition from the snapshot/persisted dual
// state: once a persisted plan shares the snapshot's id or versionKey, the
// persisted copy supersedes it and the snapshot is dropped.
func retireSnapshot(snapshot *Plan, persisted []Plan) (*Plan, bool) {
	if snapshot == nil {
		return nil, false
	}
	snapKey := snapshot.Key()
	for i := range persisted {
		if snapshot.ID != nil && persisted[i].ID != nil && *snapshot.ID == *persisted[i].ID {
			return nil, true
		}
		if snapKey != "" && persisted[i].Key() == snapKey {
			return nil, true
		}
	}
	return snapshot, false
}

// resolveSelection keeps a still-valid previous selection, then prefers the
// live snapshot, then defaults to the most recently updated persisted plan.
func resolveSelection(previous string, snapshot *Plan, persisted []Plan) string {
	previous = strings.TrimSpace(previous)
	if previous != "" {
		if snapshot != nil && snapshot.Key() == previous {
			return previous
		}
		for i := range persisted {
			if persisted[i].Key() == previous {
				return previous
			}
		}
	}
	if snapshot != nil {
		return snapshot.Key()
	}
	if len(persisted) > 0 {
		return persisted[0].Key()
	}
	return ""
}

// ApplySnapshot ingests a live plan snapshot. An empty payload (no objective
// and no phases) clears the current snapshot; anything else is sanitized and
// immediately takes over the display selection.
func (r *Reconciler) ApplySnapshot(snap Snapshot) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sanitized, ok := snap.Sanitize(time.Now())
	if !ok {
		r.snapshot = nil
		return
	}
	r.snapshot = &sanitized
	r.selectedKey = sanitized.Key()
}

// SelectPlan switches the selection to versionKey. Unknown keys are ignored;
// the return value reports whether the selection changed.
func (r *Reconciler) SelectPlan(versionKey string) bool {
	if r == nil {
		return false
	}
	versionKey = strings.TrimSpace(versionKey)
	if versionKey == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.snapshot != nil && r.snapshot.Key() == versionKey
	if !valid {
		for i := range r.plans {
			if r.plans[i].Key() == versionKey {
				valid = true
				break
			}
		}
	}
	if !valid {
		return false
	}
	r.selectedKey = versionKey
	return true
}

// Plan resolves the effective plan to display: the selected snapshot or
// persisted plan when a selection exists, then the live snapshot, then the
// most recently updated persisted plan. A live in-progress plan is never
// silently replaced by stale persisted data mid-stream.
func (r *Reconciler) Plan() *Plan {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selectedKey != "" {
		if r.snapshot != nil && r.snapshot.Key() == r.selectedKey {
			return clonePlan(r.snapshot)
		}
		for i := range r.plans {
			if r.plans[i].Key() == r.selectedKey {
				return clonePlan(&r.plans[i])
			}
		}
	}
	if r.snapshot != nil {
		return clonePlan(r.snapshot)
	}
	if len(r.plans) > 0 {
		return clonePlan(&r.plans[0])
	}
	return nil
}

// Plans returns the persisted list, most recently updated first.
func (r *Reconciler) Plans() []Plan {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Plan, len(r.plans))
	copy(out, r.plans)
	return out
}

// CurrentPlan returns the most recently updated persisted plan, if any.
func (r *Reconciler) CurrentPlan() *Plan {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.plans) == 0 {
		return nil
	}
	return clonePlan(&r.plans[0])
}

func (r *Reconciler) SnapshotPlan() *Plan {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePlan(r.snapshot)
}

func (r *Reconciler) SelectedKey() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedKey
}

// State reports which sources currently hold data.
func (r *Reconciler) State() State {
	if r == nil {
		return StateEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.snapshot != nil && len(r.plans) > 0:
		return StateBoth
	case r.snapshot != nil:
		return StateSnapshotOnly
	case len(r.plans) > 0:
		return StatePersistedOnly
	default:
		return StateEmpty
	}
}

func (r *Reconciler) clearLocked() {
	r.plans = nil
	r.snapshot = nil
	r.selectedKey = ""
}

func clonePlan(p *Plan) *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Phases = make([]Phase, len(p.Phases))
	copy(out.Phases, p.Phases)
	return &out
}
