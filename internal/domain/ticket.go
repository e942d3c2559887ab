package domain

import (
	"encoding/json"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusAssigned   TicketStatus = "assigned"
	TicketStatusInProgress TicketStatus = "in-progress"
	TicketStatusCompleted  TicketStatus = "completed"
	TicketStatusClosed     TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusNew, TicketStatusAssigned, TicketStatusInProgress, TicketStatusCompleted, TicketStatusClosed:
		return true
	}
	return false
}

// TicketPriority enumerates urgency.
type TicketPriority string

const (
	TicketPriorityCritical TicketPriority = "critical"
	TicketPriorityHigh     TicketPriority = "high"
	TicketPriorityMedium   TicketPriority = "medium"
	TicketPriorityLow      TicketPriority = "low"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityCritical, TicketPriorityHigh, TicketPriorityMedium, TicketPriorityLow:
		return true
	}
	return false
}

// TicketCategory classifies what the ticket is about.
type TicketCategory string

const (
	TicketCategoryHardware    TicketCategory = "hardware"
	TicketCategorySoftware    TicketCategory = "software"
	TicketCategoryNetwork     TicketCategory = "network"
	TicketCategoryMaintenance TicketCategory = "maintenance"
	TicketCategoryOther       TicketCategory = "other"
)

// Valid reports whether c is a known category.
func (c TicketCategory) Valid() bool {
	switch c {
	case TicketCategoryHardware, TicketCategorySoftware, TicketCategoryNetwork, TicketCategoryMaintenance, TicketCategoryOther:
		return true
	}
	return false
}

// Ticket is the aggregate for helpdesk requests.
type Ticket struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	Status        TicketStatus         `json:"status"`
	Priority      TicketPriority       `json:"priority"`
	Category      TicketCategory       `json:"category"`
	Department    string               `json:"department"`
	CreatedBy     UserRef              `json:"createdBy"`
	AssignedTo    *UserRef             `json:"assignedTo"`
	DueDate       *time.Time           `json:"dueDate"`
	Attachments   []Attachment         `json:"attachments"`
	Comments      []Comment            `json:"comments"`
	StatusHistory []StatusHistoryEntry `json:"statusHistory"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`

	// Pending marks a client-side tentative entry not yet confirmed by a reload.
	Pending bool `json:"-"`
}

// UnmarshalJSON accepts the server-native "_id" alias and normalizes it into ID.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	type plain Ticket
	var raw struct {
		plain
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Ticket(raw.plain)
	if t.ID == "" {
		t.ID = raw.AltID
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the owner.
func (t Ticket) Clone() Ticket {
	out := t
	if t.AssignedTo != nil {
		ref := *t.AssignedTo
		out.AssignedTo = &ref
	}
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	out.Attachments = append([]Attachment(nil), t.Attachments...)
	out.Comments = append([]Comment(nil), t.Comments...)
	out.StatusHistory = append([]StatusHistoryEntry(nil), t.StatusHistory...)
	return out
}

// LastHistory returns the most recent status history entry.
func (t Ticket) LastHistory() (StatusHistoryEntry, bool) {
	if len(t.StatusHistory) == 0 {
		return StatusHistoryEntry{}, false
	}
	return t.StatusHistory[len(t.StatusHistory)-1], true
}

// IsCreator reports whether userID created the ticket.
func (t Ticket) IsCreator(userID string) bool {
	return userID != "" && t.CreatedBy.ID == userID
}

// IsAssignee reports whether userID is the current assignee.
func (t Ticket) IsAssignee(userID string) bool {
	return userID != "" && t.AssignedTo != nil && t.AssignedTo.ID == userID
}

// TicketInput carries the editable fields of a ticket.
type TicketInput struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    TicketCategory `json:"category"`
	Priority    TicketPriority `json:"priority"`
	Department  string         `json:"department"`
	DueDate     *time.Time     `json:"dueDate,omitempty"`
}

// TicketPatch carries a partial edit; nil fields are left untouched.
type TicketPatch struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Category    *TicketCategory `json:"category,omitempty"`
	Priority    *TicketPriority `json:"priority,omitempty"`
	Department  *string         `json:"department,omitempty"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
}

// FieldNames lists the JSON names of the fields the patch sets, sorted.
func (p TicketPatch) FieldNames() []string {
	names := make([]string, 0, 6)
	if p.Category != nil {
		names = append(names, "category")
	}
	if p.Department != nil {
		names = append(names, "department")
	}
	if p.Description != nil {
		names = append(names, "description")
	}
	if p.DueDate != nil {
		names = append(names, "dueDate")
	}
	if p.Priority != nil {
		names = append(names, "priority")
	}
	if p.Title != nil {
		names = append(names, "title")
	}
	return names
}

// Empty reports whether the patch changes nothing.
func (p TicketPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil &&
		p.Priority == nil && p.Department == nil && p.DueDate == nil
}
