// Package lifecycle enforces ticket status transitions, assignment and the
// role-based capability guards that gate every mutation.
//
// Guards are pure functions so the client can evaluate them before a
// request is sent and the service can evaluate the same rules before it
// persists anything.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/deskflow/helpdesk/internal/domain"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

// Transition identifies a guarded operation.
type Transition string

const (
	TransitionAssign           Transition = "assign"
	TransitionChangeStatus     Transition = "change_status"
	TransitionEdit             Transition = "edit"
	TransitionComment          Transition = "comment"
	TransitionDeleteAttachment Transition = "delete_attachment"
	TransitionDelete           Transition = "delete"
	TransitionView             Transition = "view"
)

const (
	CreatedComment  = "ticket created"
	AssignedComment = "assignee set"
)

// CanTransition reports whether actor may perform transition on ticket.
func CanTransition(actor domain.Actor, ticket domain.Ticket, transition Transition) bool {
	if actor.ID == "" || !actor.Role.Valid() {
		return false
	}
	staff := actor.Role.Staff()
	switch transition {
	case TransitionAssign, TransitionDelete:
		return staff
	case TransitionChangeStatus:
		return staff || ticket.IsAssignee(actor.ID)
	case TransitionEdit, TransitionDeleteAttachment:
		return staff || ticket.IsCreator(actor.ID)
	case TransitionComment, TransitionView:
		return staff || ticket.IsCreator(actor.ID) || ticket.IsAssignee(actor.ID)
	}
	return false
}

// Check is CanTransition returning a FORBIDDEN error on denial.
func Check(actor domain.Actor, ticket domain.Ticket, transition Transition) error {
	if CanTransition(actor, ticket, transition) {
		return nil
	}
	return apperrors.NewForbidden(fmt.Sprintf("%s not permitted for role %q", transition, actor.Role))
}

// ValidateStatusChange checks the status graph for ticket -> next.
func ValidateStatusChange(current, next domain.TicketStatus) error {
	if !next.Valid() {
		return apperrors.NewValidationError("unknown status", map[string]any{"status": next})
	}
	if next == domain.TicketStatusNew {
		return apperrors.NewValidationError("status new is only the initial state", nil)
	}
	if current == domain.TicketStatusClosed {
		return apperrors.NewConflict("ticket is closed", map[string]any{"status": current})
	}
	if current == next {
		return apperrors.NewConflict("ticket already has this status", map[string]any{"status": current})
	}
	return nil
}

// StatusChangeComment is the generated history comment when none is given.
func StatusChangeComment(status domain.TicketStatus) string {
	return fmt.Sprintf("status changed to %q", status)
}

// NewTicket builds a freshly created ticket with its creation history entry.
func NewTicket(id string, creator domain.Actor, in domain.TicketInput, attachments []domain.Attachment, now time.Time) domain.Ticket {
	priority := in.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	return domain.Ticket{
		ID:          id,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Status:      domain.TicketStatusNew,
		Priority:    priority,
		Category:    in.Category,
		Department:  strings.TrimSpace(in.Department),
		CreatedBy:   creator.Ref(),
		DueDate:     in.DueDate,
		Attachments: append([]domain.Attachment{}, attachments...),
		Comments:    []domain.Comment{},
		StatusHistory: []domain.StatusHistoryEntry{{
			Status:    domain.TicketStatusNew,
			ChangedBy: creator.Ref(),
			Comment:   CreatedComment,
			ChangedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyAssign sets the assignee. A new ticket also advances to assigned
// with one history entry; otherwise only assignedTo changes.
func ApplyAssign(actor domain.Actor, ticket domain.Ticket, assignee domain.UserRef, now time.Time) (domain.Ticket, error) {
	if err := Check(actor, ticket, TransitionAssign); err != nil {
		return ticket, err
	}
	if assignee.ID == "" {
		return ticket, apperrors.NewValidationError("userId required", nil)
	}
	next := ticket.Clone()
	next.AssignedTo = &assignee
	if next.Status == domain.TicketStatusNew {
		next.Status = domain.TicketStatusAssigned
		next.StatusHistory = append(next.StatusHistory, domain.StatusHistoryEntry{
			Status:    domain.TicketStatusAssigned,
			ChangedBy: actor.Ref(),
			Comment:   AssignedComment,
			ChangedAt: now,
		})
	}
	next.UpdatedAt = now
	return next, nil
}

// ApplyStatusChange moves the ticket to status and appends exactly one history entry.
func ApplyStatusChange(actor domain.Actor, ticket domain.Ticket, status domain.TicketStatus, comment string, now time.Time) (domain.Ticket, error) {
	if err := Check(actor, ticket, TransitionChangeStatus); err != nil {
		return ticket, err
	}
	if err := ValidateStatusChange(ticket.Status, status); err != nil {
		return ticket, err
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		comment = StatusChangeComment(status)
	}
	next := ticket.Clone()
	next.Status = status
	next.StatusHistory = append(next.StatusHistory, domain.StatusHistoryEntry{
		Status:    status,
		ChangedBy: actor.Ref(),
		Comment:   comment,
		ChangedAt: now,
	})
	next.UpdatedAt = now
	return next, nil
}

// ApplyEdit applies field edits and appends attachments. Status, history
// and assignment are never touched.
func ApplyEdit(actor domain.Actor, ticket domain.Ticket, patch domain.TicketPatch, added []domain.Attachment, now time.Time) (domain.Ticket, error) {
	if err := Check(actor, ticket, TransitionEdit); err != nil {
		return ticket, err
	}
	if err := domain.ValidatePatch(patch); err != nil {
		return ticket, err
	}
	next := ticket.Clone()
	if patch.Title != nil {
		next.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		next.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Category != nil {
		next.Category = *patch.Category
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.Department != nil {
		next.Department = strings.TrimSpace(*patch.Department)
	}
	if patch.DueDate != nil {
		due := *patch.DueDate
		next.DueDate = &due
	}
	next.Attachments = append(next.Attachments, added...)
	next.UpdatedAt = now
	return next, nil
}

// ApplyComment appends a comment.
func ApplyComment(actor domain.Actor, ticket domain.Ticket, comment domain.Comment, now time.Time) (domain.Ticket, error) {
	if err := Check(actor, ticket, TransitionComment); err != nil {
		return ticket, err
	}
	if err := domain.ValidateCommentText(comment.Text); err != nil {
		return ticket, err
	}
	next := ticket.Clone()
	next.Comments = append(next.Comments, comment)
	next.UpdatedAt = now
	return next, nil
}

// ApplyAttachmentRemoval drops one attachment entry by id.
func ApplyAttachmentRemoval(actor domain.Actor, ticket domain.Ticket, attachmentID string, now time.Time) (domain.Ticket, domain.Attachment, error) {
	if err := Check(actor, ticket, TransitionDeleteAttachment); err != nil {
		return ticket, domain.Attachment{}, err
	}
	idx := -1
	for i, att := range ticket.Attachments {
		if att.ID == attachmentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ticket, domain.Attachment{}, apperrors.NewNotFound("attachment", map[string]any{"attachment_id": attachmentID})
	}
	removed := ticket.Attachments[idx]
	next := ticket.Clone()
	next.Attachments = append(next.Attachments[:idx:idx], next.Attachments[idx+1:]...)
	next.UpdatedAt = now
	return next, removed, nil
}
