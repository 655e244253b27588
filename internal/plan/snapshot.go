package plan

import (
	"strings"
	"time"
)

// Snapshot is the partial plan payload pushed live by the agent during
// streaming, before the server has persisted anything. Every field is
// optional; Sanitize decides whether the payload amounts to a plan at all.
type Snapshot struct {
	ID         *int64          `json:"id,omitempty"`
	ChatID     string          `json:"chatId,omitempty"`
	Objective  string          `json:"objective,omitempty"`
	Phases     []SnapshotPhase `json:"phases,omitempty"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	UpdatedAt  string          `json:"updatedAt,omitempty"`
	VersionKey string          `json:"versionKey,omitempty"`
}

type SnapshotPhase struct {
	ID           *int64         `json:"id,omitempty"`
	Number       int            `json:"number,omitempty"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	Note         string         `json:"note,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	UpdatedAt    string         `json:"updatedAt,omitempty"`
}

// Empty reports whether the snapshot carries no plan: no objective and no
// phase array. Such payloads clear the current snapshot instead of replacing
// it (they are data, not an error).
func (s *Snapshot) Empty() bool {
	if s == nil {
		return true
	}
	return strings.TrimSpace(s.Objective) == "" && len(s.Phases) == 0
}

// Sanitize converts a snapshot into a well-formed Plan:
// phases missing a number get their array index + 1, unrecognized statuses
// fall back to "pending", and a versionKey is assigned when absent.
// ok is false when the snapshot is empty.
func (s *Snapshot) Sanitize(now time.Time) (Plan, bool) {
	if s.Empty() {
		return Plan{}, false
	}

	phases := make([]Phase, 0, len(s.Phases))
	for i, ph := range s.Phases {
		number := ph.Number
		if number <= 0 {
			number = i + 1
		}
		title := strings.TrimSpace(ph.Title)
		if title == "" {
			title = strings.TrimSpace(ph.Description)
		}
		phases = append(phases, Phase{
			ID:           ph.ID,
			Number:       number,
			Title:        title,
			Description:  strings.TrimSpace(ph.Description),
			Status:       NormalizePhaseStatus(ph.Status),
			Note:         strings.TrimSpace(ph.Note),
			Capabilities: ph.Capabilities,
			CreatedAt:    strings.TrimSpace(ph.CreatedAt),
			UpdatedAt:    strings.TrimSpace(ph.UpdatedAt),
		})
	}

	out := Plan{
		ID:         s.ID,
		ChatID:     strings.TrimSpace(s.ChatID),
		Objective:  strings.TrimSpace(s.Objective),
		Phases:     phases,
		CreatedAt:  strings.TrimSpace(s.CreatedAt),
		UpdatedAt:  strings.TrimSpace(s.UpdatedAt),
		VersionKey: strings.TrimSpace(s.VersionKey),
	}
	if out.VersionKey == "" {
		if out.ID != nil {
			out.VersionKey = out.Key()
		} else {
			out.VersionKey = snapshotKey(now.UnixMilli())
		}
	}
	return out, true
}
