package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/deskflow/helpdesk/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated           EventType = "ticket_created"
	EventTicketUpdated           EventType = "ticket_updated"
	EventTicketStatusChanged     EventType = "ticket_status_changed"
	EventTicketAssigned          EventType = "ticket_assigned"
	EventTicketCommentAdded      EventType = "ticket_comment_added"
	EventTicketAttachmentDeleted EventType = "ticket_attachment_deleted"
	EventTicketDeleted           EventType = "ticket_deleted"
	EventTicketsLoaded           EventType = "tickets_loaded"
)

// Event represents a ticket change observed by the service or the client store.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	TicketID  string       `json:"ticket_id,omitempty"`
	Actor     domain.Actor `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   interface{}  `json:"payload,omitempty"`
}

// New stamps an event with a fresh id.
func New(eventType EventType, ticketID string, actor domain.Actor, at time.Time, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TicketID:  ticketID,
		Actor:     actor,
		Timestamp: at,
		Payload:   payload,
	}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Title      string                `json:"title"`
	Priority   domain.TicketPriority `json:"priority"`
	Department string                `json:"department"`
	// Pending is set on the client when the confirming reload failed.
	Pending bool `json:"pending,omitempty"`
}

// TicketUpdatedPayload payload.
type TicketUpdatedPayload struct {
	Fields           []string `json:"fields"`
	AttachmentsAdded int      `json:"attachments_added,omitempty"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus domain.TicketStatus `json:"old_status"`
	NewStatus domain.TicketStatus `json:"new_status"`
	Comment   string              `json:"comment,omitempty"`
}

// TicketAssignedPayload payload.
type TicketAssignedPayload struct {
	AssigneeID   string `json:"assignee_id"`
	AssigneeName string `json:"assignee_name,omitempty"`
}

const previewRunes = 80

// Preview shortens a comment body for event payloads.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "…"
}

// TicketCommentAddedPayload payload.
type TicketCommentAddedPayload struct {
	CommentID   string `json:"comment_id"`
	BodyPreview string `json:"body_preview"`
}

// TicketAttachmentDeletedPayload payload.
type TicketAttachmentDeletedPayload struct {
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name,omitempty"`
	StorageError string `json:"storage_error,omitempty"`
}

// TicketsLoadedPayload payload.
type TicketsLoadedPayload struct {
	Count  int  `json:"count"`
	Forced bool `json:"forced"`
}
