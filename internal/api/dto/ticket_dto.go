package dto

import (
	"fmt"
	"time"

	"github.com/deskflow/helpdesk/internal/domain"
)

// CreateTicketRequest payload. Multipart uploads carry the same fields as
// form values.
type CreateTicketRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Category    domain.TicketCategory `json:"category"`
	Priority    domain.TicketPriority `json:"priority"`
	Department  string                `json:"department"`
	DueDate     string                `json:"dueDate"`
}

// ToInput converts the request into the domain input.
func (r CreateTicketRequest) ToInput() (domain.TicketInput, error) {
	due, err := parseDueDate(r.DueDate)
	if err != nil {
		return domain.TicketInput{}, err
	}
	return domain.TicketInput{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Priority:    r.Priority,
		Department:  r.Department,
		DueDate:     due,
	}, nil
}

// UpdateTicketRequest payload; absent fields are left untouched.
type UpdateTicketRequest struct {
	Title       *string                `json:"title"`
	Description *string                `json:"description"`
	Category    *domain.TicketCategory `json:"category"`
	Priority    *domain.TicketPriority `json:"priority"`
	Department  *string                `json:"department"`
	DueDate     *string                `json:"dueDate"`
}

// ToPatch converts the request into a domain patch.
func (r UpdateTicketRequest) ToPatch() (domain.TicketPatch, error) {
	patch := domain.TicketPatch{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Priority:    r.Priority,
		Department:  r.Department,
	}
	if r.DueDate != nil {
		due, err := parseDueDate(*r.DueDate)
		if err != nil {
			return domain.TicketPatch{}, err
		}
		patch.DueDate = due
	}
	return patch, nil
}

// ChangeStatusRequest payload.
type ChangeStatusRequest struct {
	Status  domain.TicketStatus `json:"status"`
	Comment string              `json:"comment"`
}

// AssignRequest payload.
type AssignRequest struct {
	UserID string `json:"userId"`
}

// CommentRequest payload.
type CommentRequest struct {
	Text string `json:"text"`
}

// TicketResponse is the wire form of a ticket.
type TicketResponse struct {
	ID            string                      `json:"id"`
	Title         string                      `json:"title"`
	Description   string                      `json:"description"`
	Status        domain.TicketStatus         `json:"status"`
	Priority      domain.TicketPriority       `json:"priority"`
	Category      domain.TicketCategory       `json:"category"`
	Department    string                      `json:"department"`
	CreatedBy     domain.UserRef              `json:"createdBy"`
	AssignedTo    *domain.UserRef             `json:"assignedTo"`
	DueDate       *time.Time                  `json:"dueDate"`
	Attachments   []AttachmentResponse        `json:"attachments"`
	Comments      []domain.Comment            `json:"comments"`
	StatusHistory []domain.StatusHistoryEntry `json:"statusHistory"`
	CreatedAt     time.Time                   `json:"createdAt"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
}

// AttachmentResponse metadata; the storage path stays on the server.
type AttachmentResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	UploadedAt time.Time `json:"uploadedAt"`
	URL        string    `json:"url"`
}

// DeleteAttachmentResponse is the updated ticket plus the storage removal
// failure, when there was one.
type DeleteAttachmentResponse struct {
	TicketResponse
	StorageError string `json:"storageError,omitempty"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t domain.Ticket) TicketResponse {
	attachments := make([]AttachmentResponse, 0, len(t.Attachments))
	for _, att := range t.Attachments {
		attachments = append(attachments, AttachmentResponse{
			ID:         att.ID,
			Name:       att.Name,
			Size:       att.Size,
			Type:       att.Type,
			UploadedAt: att.UploadedAt,
			URL:        fmt.Sprintf("/api/tickets/%s/attachments/%s", t.ID, att.ID),
		})
	}
	comments := t.Comments
	if comments == nil {
		comments = []domain.Comment{}
	}
	history := t.StatusHistory
	if history == nil {
		history = []domain.StatusHistoryEntry{}
	}
	return TicketResponse{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        t.Status,
		Priority:      t.Priority,
		Category:      t.Category,
		Department:    t.Department,
		CreatedBy:     t.CreatedBy,
		AssignedTo:    t.AssignedTo,
		DueDate:       t.DueDate,
		Attachments:   attachments,
		Comments:      comments,
		StatusHistory: history,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// NewTicketList maps a slice of tickets.
func NewTicketList(tickets []domain.Ticket) []TicketResponse {
	items := make([]TicketResponse, 0, len(tickets))
	for _, t := range tickets {
		items = append(items, NewTicketResponse(t))
	}
	return items
}

func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid dueDate %q", raw)
}
