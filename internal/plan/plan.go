package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	PhaseStatusPending    = "pending"
	PhaseStatusInProgress = "in_progress"
	PhaseStatusCompleted  = "completed"
)

// Phase is a single step of an agent plan. Number is a 1-based ordinal.
type Phase struct {
	ID           *int64         `json:"id,omitempty"`
	Number       int            `json:"number"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	Note         string         `json:"note,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	UpdatedAt    string         `json:"updatedAt,omitempty"`
}

// Plan is one version of the agent's plan for a conversation.
//
// VersionKey is the stable identity used to correlate a live snapshot with its
// eventual persisted counterpart: "plan:<id>" once the server has stored it,
// "snapshot:<unix-ms>" while still ephemeral.
type Plan struct {
	ID         *int64  `json:"id,omitempty"`
	ChatID     string  `json:"chatId,omitempty"`
	Objective  string  `json:"objective"`
	Phases     []Phase `json:"phases"`
	CreatedAt  string  `json:"createdAt,omitempty"`
	UpdatedAt  string  `json:"updatedAt,omitempty"`
	VersionKey string  `json:"versionKey,omitempty"`
}

func NormalizePhaseStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case PhaseStatusPending:
		return PhaseStatusPending
	case PhaseStatusInProgress:
		return PhaseStatusInProgress
	case PhaseStatusCompleted:
		return PhaseStatusCompleted
	default:
		// Unrecognized tokens are sanitized, not rejected.
		return PhaseStatusPending
	}
}

// Key returns the plan's stable identity, deriving one from the persisted id
// when the server did not send an explicit versionKey.
func (p *Plan) Key() string {
	if p == nil {
		return ""
	}
	if k := strings.TrimSpace(p.VersionKey); k != "" {
		return k
	}
	if p.ID != nil {
		return fmt.Sprintf("plan:%d", *p.ID)
	}
	return ""
}

func snapshotKey(atUnixMs int64) string {
	return fmt.Sprintf("snapshot:%d", atUnixMs)
}

// sortTime resolves the timestamp used for most-recently-updated ordering:
// updatedAt, falling back to createdAt, then the epoch.
func (p *Plan) sortTime() time.Time {
	if p == nil {
		return time.Unix(0, 0)
	}
	if t, ok := parseTimestamp(p.UpdatedAt); ok {
		return t
	}
	if t, ok := parseTimestamp(p.CreatedAt); ok {
		return t
	}
	return time.Unix(0, 0)
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SortByMostRecent orders plans newest-first, deterministically: by updatedAt
// (falling back to createdAt, then epoch 0) descending, with the id as a
// tie-break so equal timestamps do not flap between refreshes.
func SortByMostRecent(plans []Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		ti, tj := plans[i].sortTime(), plans[j].sortTime()
		if ti.Equal(tj) {
			return planIDForSort(&plans[i]) > planIDForSort(&plans[j])
		}
		return ti.After(tj)
	})
}

func planIDForSort(p *Plan) int64 {
	if p == nil || p.ID == nil {
		return 0
	}
	return *p.ID
}
