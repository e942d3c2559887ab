package domain

import "time"

// StatusHistoryEntry is an immutable audit trail entry.
type StatusHistoryEntry struct {
	Status    TicketStatus `json:"status"`
	ChangedBy UserRef      `json:"changedBy"`
	Comment   string       `json:"comment,omitempty"`
	ChangedAt time.Time    `json:"changedAt"`
}
