package service

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/clock"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/events"
	"github.com/deskflow/helpdesk/internal/lifecycle"
	"github.com/deskflow/helpdesk/internal/persistence"
	"github.com/deskflow/helpdesk/internal/repository"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

// AttachmentStorage stores uploaded files.
type AttachmentStorage interface {
	SaveAll(uploads []persistence.Upload) ([]domain.Attachment, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
}

// TicketService coordinates ticket workflows. Every mutation re-checks the
// lifecycle guards before anything is persisted.
type TicketService struct {
	tickets     repository.TicketRepository
	users       repository.UserRepository
	attachments AttachmentStorage
	dispatcher  events.Dispatcher
	clock       clock.Clock
	logger      *zap.Logger
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	UserRepo    repository.UserRepository
	Attachments AttachmentStorage
	Dispatcher  events.Dispatcher
	Clock       clock.Clock
	Logger      *zap.Logger
}

// TicketListFilter describes list parameters accepted from the query string.
type TicketListFilter struct {
	Status     domain.TicketStatus
	Priority   domain.TicketPriority
	Category   domain.TicketCategory
	Department string
	Search     string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:     deps.TicketRepo,
		users:       deps.UserRepo,
		attachments: deps.Attachments,
		dispatcher:  deps.Dispatcher,
		clock:       clk,
		logger:      logger,
	}
}

// List returns the tickets visible to actor. The user role only sees
// tickets it created or is assigned to.
func (s *TicketService) List(ctx context.Context, actor domain.Actor, filter TicketListFilter) ([]domain.Ticket, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.NewValidationError("unknown status", map[string]any{"status": filter.Status})
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, apperrors.NewValidationError("unknown priority", map[string]any{"priority": filter.Priority})
	}
	repoFilter := repository.TicketFilter{
		Status:     filter.Status,
		Priority:   filter.Priority,
		Category:   filter.Category,
		Department: strings.TrimSpace(filter.Department),
		Search:     filter.Search,
	}
	if !actor.Role.Staff() {
		repoFilter.VisibleTo = actor.ID
	}
	return s.tickets.List(ctx, repoFilter)
}

// Get returns one ticket when actor may view it.
func (s *TicketService) Get(ctx context.Context, actor domain.Actor, id string) (domain.Ticket, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := lifecycle.Check(actor, ticket, lifecycle.TransitionView); err != nil {
		return domain.Ticket{}, err
	}
	return ticket, nil
}

// Create validates the payload, stores the uploads and persists a new ticket.
func (s *TicketService) Create(ctx context.Context, actor domain.Actor, in domain.TicketInput, uploads []persistence.Upload) (domain.Ticket, error) {
	if err := domain.ValidateTicketInput(in); err != nil {
		return domain.Ticket{}, err
	}
	attachments, err := s.store(uploads)
	if err != nil {
		return domain.Ticket{}, err
	}

	ticket := lifecycle.NewTicket(uuid.NewString(), actor, in, attachments, s.clock.Now().UTC())
	if creator, err := s.users.GetByID(ctx, actor.ID); err == nil {
		ticket.CreatedBy = creator.Ref()
		ticket.StatusHistory[0].ChangedBy = creator.Ref()
	}

	if err := s.tickets.Create(ctx, ticket); err != nil {
		s.discard(attachments)
		return domain.Ticket{}, err
	}

	s.publish(ctx, events.EventTicketCreated, ticket.ID, actor, events.TicketCreatedPayload{
		Title:      ticket.Title,
		Priority:   ticket.Priority,
		Department: ticket.Department,
	})
	return ticket, nil
}

// Update applies field edits and appends uploaded attachments.
func (s *TicketService) Update(ctx context.Context, actor domain.Actor, id string, patch domain.TicketPatch, uploads []persistence.Upload) (domain.Ticket, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := lifecycle.Check(actor, ticket, lifecycle.TransitionEdit); err != nil {
		return domain.Ticket{}, err
	}
	if patch.Empty() && len(uploads) == 0 {
		return domain.Ticket{}, apperrors.NewValidationError("nothing to update", nil)
	}
	if err := domain.ValidatePatch(patch); err != nil {
		return domain.Ticket{}, err
	}
	added, err := s.store(uploads)
	if err != nil {
		return domain.Ticket{}, err
	}

	next, err := lifecycle.ApplyEdit(actor, ticket, patch, added, s.clock.Now().UTC())
	if err != nil {
		s.discard(added)
		return domain.Ticket{}, err
	}
	if err := s.save(ctx, next); err != nil {
		s.discard(added)
		return domain.Ticket{}, err
	}

	s.publish(ctx, events.EventTicketUpdated, next.ID, actor, events.TicketUpdatedPayload{
		Fields:           patch.FieldNames(),
		AttachmentsAdded: len(added),
	})
	return next, nil
}

// ChangeStatus moves the ticket along the status graph.
func (s *TicketService) ChangeStatus(ctx context.Context, actor domain.Actor, id string, status domain.TicketStatus, comment string) (domain.Ticket, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	old := ticket.Status
	next, err := lifecycle.ApplyStatusChange(actor, ticket, status, comment, s.clock.Now().UTC())
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := s.save(ctx, next); err != nil {
		return domain.Ticket{}, err
	}

	entry, _ := next.LastHistory()
	s.publish(ctx, events.EventTicketStatusChanged, next.ID, actor, events.TicketStatusChangedPayload{
		OldStatus: old,
		NewStatus: next.Status,
		Comment:   entry.Comment,
	})
	return next, nil
}

// Assign sets the assignee; a new ticket also advances to assigned.
func (s *TicketService) Assign(ctx context.Context, actor domain.Actor, id, userID string) (domain.Ticket, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := lifecycle.Check(actor, ticket, lifecycle.TransitionAssign); err != nil {
		return domain.Ticket{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Ticket{}, apperrors.NewValidationError("userId required", nil)
	}
	assignee, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ticket{}, apperrors.NewNotFound("user", map[string]any{"user_id": userID})
		}
		return domain.Ticket{}, err
	}

	next, err := lifecycle.ApplyAssign(actor, ticket, assignee.Ref(), s.clock.Now().UTC())
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := s.save(ctx, next); err != nil {
		return domain.Ticket{}, err
	}

	s.publish(ctx, events.EventTicketAssigned, next.ID, actor, events.TicketAssignedPayload{
		AssigneeID:   assignee.ID,
		AssigneeName: assignee.Name,
	})
	return next, nil
}

// AddComment appends a comment and returns it.
func (s *TicketService) AddComment(ctx context.Context, actor domain.Actor, id, text string) (domain.Comment, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return domain.Comment{}, err
	}
	now := s.clock.Now().UTC()
	comment := domain.Comment{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		CreatedBy: actor.Ref(),
		CreatedAt: now,
	}
	next, err := lifecycle.ApplyComment(actor, ticket, comment, now)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := s.save(ctx, next); err != nil {
		return domain.Comment{}, err
	}

	s.publish(ctx, events.EventTicketCommentAdded, next.ID, actor, events.TicketCommentAddedPayload{
		CommentID:   comment.ID,
		BodyPreview: events.Preview(comment.Text),
	})
	return comment, nil
}

// DeleteAttachment removes the stored file first and then the attachment
// entry. The entry is removed even when the file could not be deleted;
// that failure is returned as storageErr alongside the updated ticket.
func (s *TicketService) DeleteAttachment(ctx context.Context, actor domain.Actor, id, attachmentID string) (ticket domain.Ticket, storageErr string, err error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	next, removed, err := lifecycle.ApplyAttachmentRemoval(actor, current, attachmentID, s.clock.Now().UTC())
	if err != nil {
		return domain.Ticket{}, "", err
	}

	if removed.Path != "" && s.attachments != nil {
		if rmErr := s.attachments.Remove(removed.Path); rmErr != nil {
			s.logger.Warn("attachment file removal failed",
				zap.String("ticket_id", current.ID),
				zap.String("attachment_id", removed.ID),
				zap.Error(rmErr))
			storageErr = rmErr.Error()
		}
	}

	if err := s.save(ctx, next); err != nil {
		return domain.Ticket{}, storageErr, err
	}

	s.publish(ctx, events.EventTicketAttachmentDeleted, next.ID, actor, events.TicketAttachmentDeletedPayload{
		AttachmentID: removed.ID,
		Name:         removed.Name,
		StorageError: storageErr,
	})
	return next, storageErr, nil
}

// OpenAttachment returns the attachment metadata and its content.
func (s *TicketService) OpenAttachment(ctx context.Context, actor domain.Actor, id, attachmentID string) (domain.Attachment, io.ReadCloser, error) {
	ticket, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.Attachment{}, nil, err
	}
	for _, att := range ticket.Attachments {
		if att.ID != attachmentID {
			continue
		}
		if s.attachments == nil {
			return domain.Attachment{}, nil, apperrors.NewNotFound("attachment file", nil)
		}
		body, err := s.attachments.Open(att.Path)
		if err != nil {
			return domain.Attachment{}, nil, err
		}
		return att, body, nil
	}
	return domain.Attachment{}, nil, apperrors.NewNotFound("attachment", map[string]any{"attachment_id": attachmentID})
}

// Delete removes the ticket and its stored files. Staff only.
func (s *TicketService) Delete(ctx context.Context, actor domain.Actor, id string) error {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.Check(actor, ticket, lifecycle.TransitionDelete); err != nil {
		return err
	}
	if err := s.tickets.Delete(ctx, ticket.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
		}
		return err
	}
	s.discard(ticket.Attachments)

	s.publish(ctx, events.EventTicketDeleted, ticket.ID, actor, nil)
	return nil
}

func (s *TicketService) load(ctx context.Context, id string) (domain.Ticket, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Ticket{}, apperrors.NewValidationError("ticket id required", nil)
	}
	ticket, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
		}
		return domain.Ticket{}, err
	}
	return ticket, nil
}

func (s *TicketService) save(ctx context.Context, ticket domain.Ticket) error {
	if err := s.tickets.Save(ctx, ticket); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticket.ID})
		}
		return err
	}
	return nil
}

func (s *TicketService) store(uploads []persistence.Upload) ([]domain.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if s.attachments == nil {
		return nil, apperrors.NewValidationError("attachments are not accepted", nil)
	}
	return s.attachments.SaveAll(uploads)
}

func (s *TicketService) discard(attachments []domain.Attachment) {
	if s.attachments == nil {
		return
	}
	for _, att := range attachments {
		if att.Path == "" {
			continue
		}
		if err := s.attachments.Remove(att.Path); err != nil {
			s.logger.Warn("attachment cleanup failed", zap.String("path", att.Path), zap.Error(err))
		}
	}
}

func (s *TicketService) publish(ctx context.Context, eventType events.EventType, ticketID string, actor domain.Actor, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	event := events.New(eventType, ticketID, actor, s.clock.Now().UTC(), payload)
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
