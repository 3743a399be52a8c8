package domain

// NewUserMarker is shown as the last-active date when a user has no history.
const NewUserMarker = "New User"

// HistoryEntry is one completed analysis in a user's append-only log.
type HistoryEntry struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Type      string `json:"type"`
	Summary   string `json:"summary"`
	RiskLevel string `json:"risk_level"`
	Date      string `json:"date"`
}
