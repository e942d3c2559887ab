// Package store holds the client's canonical copy of the working ticket
// set and mediates every mutation through the lifecycle guards before it
// reaches the service.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/deskflow/helpdesk/internal/clock"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/events"
	"github.com/deskflow/helpdesk/internal/filter"
	"github.com/deskflow/helpdesk/internal/lifecycle"
	"github.com/deskflow/helpdesk/internal/session"
	"github.com/deskflow/helpdesk/internal/transport"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

// Requester is the request path the store talks through.
// *coordinator.Coordinator satisfies it.
type Requester interface {
	Do(ctx context.Context, req transport.Request, force bool) (json.RawMessage, error)
	CancelAll()
	ClearCache(ctx context.Context) error
}

// Dependencies wires a Store.
type Dependencies struct {
	Requester  Requester
	Session    *session.SessionContext
	Dispatcher events.Dispatcher
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Store is safe for concurrent use. Tickets handed out are copies.
type Store struct {
	requester  Requester
	session    *session.SessionContext
	dispatcher events.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	fetches    singleflight.Group

	fetchMu sync.Mutex
	waiting map[string]*pendingFetch

	mu      sync.RWMutex
	tickets []domain.Ticket
	spec    filter.Spec
	visible []domain.Ticket
}

// New creates an empty Store.
func New(deps Dependencies) *Store {
	s := &Store{
		requester:  deps.Requester,
		session:    deps.Session,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
		logger:     deps.Logger,
		waiting:    make(map[string]*pendingFetch),
	}
	if s.session == nil {
		s.session = session.New()
	}
	if s.dispatcher == nil {
		s.dispatcher = events.NewInMemoryDispatcher()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Subscribe registers handler for every store event.
func (s *Store) Subscribe(handler events.EventHandler) {
	s.dispatcher.SubscribeAll(handler)
}

// Load fetches the full ticket set and replaces the canonical set. A
// held ticket newer than the fetched copy is kept.
func (s *Store) Load(ctx context.Context, force bool) ([]domain.Ticket, error) {
	raw, err := s.requester.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/tickets"}, force)
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}
	var fetched []domain.Ticket
	if err := decode(raw, &fetched); err != nil {
		return nil, err
	}

	s.mu.Lock()
	held := make(map[string]domain.Ticket, len(s.tickets))
	for _, t := range s.tickets {
		held[normalizeID(t.ID)] = t
	}
	next := make([]domain.Ticket, 0, len(fetched))
	for _, t := range fetched {
		if prev, ok := held[normalizeID(t.ID)]; ok && !prev.Pending && prev.UpdatedAt.After(t.UpdatedAt) {
			next = append(next, prev)
			continue
		}
		next = append(next, t)
	}
	s.tickets = next
	s.refilterLocked()
	visible := cloneAll(s.visible)
	s.mu.Unlock()

	s.logger.Debug("tickets loaded", zap.Int("count", len(next)), zap.Bool("forced", force))
	s.publish(ctx, events.EventTicketsLoaded, "", events.TicketsLoadedPayload{Count: len(next), Forced: force})
	return visible, nil
}

// GetByID returns the held ticket or fetches it. Concurrent fetches of
// the same id share one network call. A fetch every caller has abandoned
// is cancelled and its result never reaches the set.
func (s *Store) GetByID(ctx context.Context, id string) (domain.Ticket, error) {
	key := normalizeID(id)
	if key == "" {
		return domain.Ticket{}, apperrors.NewValidationError("ticket id required", nil)
	}
	if t, ok := s.lookup(key); ok {
		return t, nil
	}

	pending, ch := s.joinFetch(ctx, key)
	select {
	case <-ctx.Done():
		s.leaveFetch(key, pending, true)
		return domain.Ticket{}, ctx.Err()
	case res := <-ch:
		s.leaveFetch(key, pending, false)
		if res.Err != nil {
			return domain.Ticket{}, fmt.Errorf("get ticket %s: %w", key, res.Err)
		}
		return s.merge(res.Val.(domain.Ticket)), nil
	}
}

type pendingFetch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Store) joinFetch(ctx context.Context, key string) (*pendingFetch, <-chan singleflight.Result) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	pending, ok := s.waiting[key]
	if !ok {
		fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		pending = &pendingFetch{ctx: fetchCtx, cancel: cancel}
		s.waiting[key] = pending
	}
	pending.waiters++
	ch := s.fetches.DoChan(key, func() (interface{}, error) {
		return s.fetch(pending.ctx, key)
	})
	return pending, ch
}

// leaveFetch drops one waiter. The last waiter to abandon a fetch cancels
// it so a late response is discarded.
func (s *Store) leaveFetch(key string, pending *pendingFetch, abandoned bool) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	pending.waiters--
	if pending.waiters > 0 {
		return
	}
	if s.waiting[key] == pending {
		delete(s.waiting, key)
	}
	pending.cancel()
	if abandoned {
		s.fetches.Forget(key)
		s.logger.Debug("ticket fetch abandoned", zap.String("ticket_id", key))
	}
}

func (s *Store) fetch(ctx context.Context, key string) (domain.Ticket, error) {
	raw, err := s.requester.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/tickets/" + url.PathEscape(key),
	}, false)
	if err != nil {
		return domain.Ticket{}, err
	}
	var ticket domain.Ticket
	if err := decode(raw, &ticket); err != nil {
		return domain.Ticket{}, err
	}
	if ticket.ID == "" {
		return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": key})
	}
	return ticket, nil
}

// Create submits a new ticket, inserts it at the head of the set and then
// forces a reload. If the reload fails the entry stays marked Pending
// until the next successful Load.
func (s *Store) Create(ctx context.Context, in domain.TicketInput, files []transport.File, progress func(int)) (domain.Ticket, error) {
	actor, err := s.actor()
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := domain.ValidateTicketInput(in); err != nil {
		return domain.Ticket{}, err
	}

	req := transport.Request{Method: http.MethodPost, Path: "/tickets", Progress: progress}
	if len(files) > 0 {
		req.Multipart = &transport.Multipart{Fields: inputFields(in), FileField: "attachments", Files: files}
	} else {
		req.Body = in
	}
	raw, err := s.requester.Do(ctx, req, false)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	var created domain.Ticket
	if err := decode(raw, &created); err != nil {
		return domain.Ticket{}, err
	}
	created.Pending = true

	s.mu.Lock()
	s.tickets = append([]domain.Ticket{created}, s.tickets...)
	s.refilterLocked()
	s.mu.Unlock()

	if _, err := s.Load(ctx, true); err != nil {
		s.logger.Warn("reload after create failed; keeping tentative ticket",
			zap.String("ticket_id", created.ID), zap.Error(err))
		s.publishAs(ctx, actor, events.EventTicketCreated, created.ID, events.TicketCreatedPayload{
			Title: created.Title, Priority: created.Priority, Department: created.Department, Pending: true,
		})
		return created.Clone(), nil
	}

	result := created
	result.Pending = false
	if t, ok := s.lookup(created.ID); ok {
		result = t
	}
	s.publishAs(ctx, actor, events.EventTicketCreated, result.ID, events.TicketCreatedPayload{
		Title: result.Title, Priority: result.Priority, Department: result.Department,
	})
	return result, nil
}

// Update applies a field patch and appends files as attachments.
func (s *Store) Update(ctx context.Context, id string, patch domain.TicketPatch, files []transport.File, progress func(int)) (domain.Ticket, error) {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionEdit)
	if err != nil {
		return domain.Ticket{}, err
	}
	if patch.Empty() && len(files) == 0 {
		return domain.Ticket{}, apperrors.NewValidationError("nothing to update", nil)
	}
	if err := domain.ValidatePatch(patch); err != nil {
		return domain.Ticket{}, err
	}

	req := transport.Request{Method: http.MethodPut, Path: ticketPath(current.ID), Progress: progress}
	if len(files) > 0 {
		req.Multipart = &transport.Multipart{Fields: patchFields(patch), FileField: "attachments", Files: files}
	} else {
		req.Body = patch
	}
	updated, err := s.send(ctx, req)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("update ticket %s: %w", current.ID, err)
	}
	s.merge(updated)
	s.publishAs(ctx, actor, events.EventTicketUpdated, updated.ID, events.TicketUpdatedPayload{
		Fields: patch.FieldNames(), AttachmentsAdded: len(files),
	})
	return updated, nil
}

// ChangeStatus moves the ticket to status; a blank comment lets the
// service record its default history comment.
func (s *Store) ChangeStatus(ctx context.Context, id string, status domain.TicketStatus, comment string) (domain.Ticket, error) {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionChangeStatus)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := lifecycle.ValidateStatusChange(current.Status, status); err != nil {
		return domain.Ticket{}, err
	}

	updated, err := s.send(ctx, transport.Request{
		Method: http.MethodPatch,
		Path:   ticketPath(current.ID) + "/status",
		Body:   statusBody{Status: status, Comment: strings.TrimSpace(comment)},
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("change status of %s: %w", current.ID, err)
	}
	s.merge(updated)
	s.publishAs(ctx, actor, events.EventTicketStatusChanged, updated.ID, events.TicketStatusChangedPayload{
		OldStatus: current.Status, NewStatus: updated.Status, Comment: comment,
	})
	return updated, nil
}

// Assign sets the assignee. Only staff may assign.
func (s *Store) Assign(ctx context.Context, id, userID string) (domain.Ticket, error) {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionAssign)
	if err != nil {
		return domain.Ticket{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Ticket{}, apperrors.NewValidationError("userId required", nil)
	}

	updated, err := s.send(ctx, transport.Request{
		Method: http.MethodPatch,
		Path:   ticketPath(current.ID) + "/assign",
		Body:   assignBody{UserID: userID},
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("assign ticket %s: %w", current.ID, err)
	}
	s.merge(updated)
	payload := events.TicketAssignedPayload{AssigneeID: userID}
	if updated.AssignedTo != nil {
		payload.AssigneeName = updated.AssignedTo.Name
	}
	s.publishAs(ctx, actor, events.EventTicketAssigned, updated.ID, payload)
	return updated, nil
}

// AddComment posts text and appends the created comment to the held ticket.
// The held UpdatedAt is left alone: only a record sent by the service may
// advance it.
func (s *Store) AddComment(ctx context.Context, id, text string) (domain.Comment, error) {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionComment)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := domain.ValidateCommentText(text); err != nil {
		return domain.Comment{}, err
	}

	raw, err := s.requester.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   ticketPath(current.ID) + "/comments",
		Body:   commentBody{Text: strings.TrimSpace(text)},
	}, false)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("comment on %s: %w", current.ID, err)
	}
	var comment domain.Comment
	if err := decode(raw, &comment); err != nil {
		return domain.Comment{}, err
	}

	s.mu.Lock()
	if idx := s.indexLocked(current.ID); idx >= 0 {
		next := s.tickets[idx].Clone()
		next.Comments = append(next.Comments, comment)
		s.tickets[idx] = next
		s.refilterLocked()
	}
	s.mu.Unlock()

	s.publishAs(ctx, actor, events.EventTicketCommentAdded, current.ID, events.TicketCommentAddedPayload{
		CommentID: comment.ID, BodyPreview: events.Preview(comment.Text),
	})
	return comment, nil
}

// DeleteAttachment removes one attachment from the ticket.
func (s *Store) DeleteAttachment(ctx context.Context, id, attachmentID string) (domain.Ticket, error) {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionDeleteAttachment)
	if err != nil {
		return domain.Ticket{}, err
	}
	attachmentID = normalizeID(attachmentID)
	var target domain.Attachment
	found := false
	for _, att := range current.Attachments {
		if sameID(att.ID, attachmentID) {
			target, found = att, true
			break
		}
	}
	if !found {
		return domain.Ticket{}, apperrors.NewNotFound("attachment", map[string]any{"attachment_id": attachmentID})
	}

	raw, err := s.requester.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   ticketPath(current.ID) + "/attachments/" + url.PathEscape(target.ID),
	}, false)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("delete attachment %s: %w", target.ID, err)
	}

	var stored domain.Ticket
	var updated domain.Ticket
	if err := decode(raw, &updated); err == nil && updated.ID != "" {
		s.merge(updated)
		stored = updated
	} else {
		s.mu.Lock()
		if idx := s.indexLocked(current.ID); idx >= 0 {
			next := s.tickets[idx].Clone()
			kept := next.Attachments[:0]
			for _, att := range next.Attachments {
				if !sameID(att.ID, target.ID) {
					kept = append(kept, att)
				}
			}
			next.Attachments = kept
			s.tickets[idx] = next
			s.refilterLocked()
			stored = next.Clone()
		}
		s.mu.Unlock()
	}

	s.publishAs(ctx, actor, events.EventTicketAttachmentDeleted, current.ID, events.TicketAttachmentDeletedPayload{
		AttachmentID: target.ID, Name: target.Name,
	})
	return stored, nil
}

// Delete removes the ticket on the service and from the set.
func (s *Store) Delete(ctx context.Context, id string) error {
	actor, current, err := s.guard(ctx, id, lifecycle.TransitionDelete)
	if err != nil {
		return err
	}
	if _, err := s.requester.Do(ctx, transport.Request{Method: http.MethodDelete, Path: ticketPath(current.ID)}, false); err != nil {
		return fmt.Errorf("delete ticket %s: %w", current.ID, err)
	}

	s.mu.Lock()
	if idx := s.indexLocked(current.ID); idx >= 0 {
		s.tickets = append(s.tickets[:idx:idx], s.tickets[idx+1:]...)
		s.refilterLocked()
	}
	s.mu.Unlock()

	s.publishAs(ctx, actor, events.EventTicketDeleted, current.ID, nil)
	return nil
}

// SetFilter replaces the filter and re-derives the visible view.
func (s *Store) SetFilter(spec filter.Spec) []domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec = spec
	s.refilterLocked()
	return cloneAll(s.visible)
}

// UpdateFilter edits the current filter in place.
func (s *Store) UpdateFilter(fn func(*filter.Spec)) []domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.spec)
	s.refilterLocked()
	return cloneAll(s.visible)
}

// Filter returns the current filter.
func (s *Store) Filter() filter.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// Visible returns the filtered view, most recently updated first.
func (s *Store) Visible() []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.visible)
}

// All returns the canonical set in store order.
func (s *Store) All() []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.tickets)
}

// Pending returns tentative tickets not yet confirmed by a reload.
func (s *Store) Pending() []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.Pending {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Close aborts in-flight requests and drops cached reads.
func (s *Store) Close(ctx context.Context) error {
	s.requester.CancelAll()
	return s.requester.ClearCache(ctx)
}

func (s *Store) actor() (domain.Actor, error) {
	actor := s.session.Actor()
	if actor.ID == "" {
		return domain.Actor{}, apperrors.NewUnauthorized("not signed in")
	}
	return actor, nil
}

// guard resolves the ticket and checks the transition before any request
// is sent.
func (s *Store) guard(ctx context.Context, id string, transition lifecycle.Transition) (domain.Actor, domain.Ticket, error) {
	actor, err := s.actor()
	if err != nil {
		return domain.Actor{}, domain.Ticket{}, err
	}
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.Actor{}, domain.Ticket{}, err
	}
	if err := lifecycle.Check(actor, current, transition); err != nil {
		return domain.Actor{}, domain.Ticket{}, err
	}
	return actor, current, nil
}

// send performs a mutation and returns the service's record.
func (s *Store) send(ctx context.Context, req transport.Request) (domain.Ticket, error) {
	raw, err := s.requester.Do(ctx, req, false)
	if err != nil {
		return domain.Ticket{}, err
	}
	var ticket domain.Ticket
	if err := decode(raw, &ticket); err != nil {
		return domain.Ticket{}, err
	}
	if ticket.ID == "" {
		return domain.Ticket{}, apperrors.NewDomainError(apperrors.CodeServerError, "response carried no ticket", http.StatusBadGateway, nil)
	}
	ticket.Pending = false
	return ticket, nil
}

// merge inserts ticket or replaces the held entry matched by identity and
// returns what the set now holds. An incoming copy older than the held one
// is discarded.
func (s *Store) merge(ticket domain.Ticket) domain.Ticket {
	ticket.Pending = false
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(ticket.ID)
	switch {
	case idx < 0:
		s.tickets = append(s.tickets, ticket)
	case !s.tickets[idx].Pending && s.tickets[idx].UpdatedAt.After(ticket.UpdatedAt):
		s.logger.Debug("discarding stale ticket copy",
			zap.String("ticket_id", ticket.ID),
			zap.Time("held", s.tickets[idx].UpdatedAt),
			zap.Time("incoming", ticket.UpdatedAt))
		return s.tickets[idx].Clone()
	default:
		s.tickets[idx] = ticket
	}
	s.refilterLocked()
	return ticket.Clone()
}

func (s *Store) lookup(id string) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexLocked(id); idx >= 0 {
		return s.tickets[idx].Clone(), true
	}
	return domain.Ticket{}, false
}

func (s *Store) indexLocked(id string) int {
	for i, t := range s.tickets {
		if sameID(t.ID, id) {
			return i
		}
	}
	return -1
}

func (s *Store) refilterLocked() {
	s.visible = filter.Apply(s.tickets, s.spec)
}

func (s *Store) publish(ctx context.Context, eventType events.EventType, ticketID string, payload interface{}) {
	s.publishAs(ctx, s.session.Actor(), eventType, ticketID, payload)
}

func (s *Store) publishAs(ctx context.Context, actor domain.Actor, eventType events.EventType, ticketID string, payload interface{}) {
	event := events.New(eventType, ticketID, actor, s.clock.Now(), payload)
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

// normalizeID yields the client alias of an id: trimmed, quotes removed.
func normalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), `"`)
}

// sameID compares the server-native id and its client alias.
func sameID(a, b string) bool {
	return a == b || (a != "" && normalizeID(a) == normalizeID(b))
}

func ticketPath(id string) string {
	return "/tickets/" + url.PathEscape(id)
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.NewDomainError(apperrors.CodeServerError, "empty response", http.StatusBadGateway, nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewDomainError(apperrors.CodeServerError, "malformed response", http.StatusBadGateway,
			map[string]any{"cause": err.Error()})
	}
	return nil
}

func cloneAll(tickets []domain.Ticket) []domain.Ticket {
	out := make([]domain.Ticket, len(tickets))
	for i, t := range tickets {
		out[i] = t.Clone()
	}
	return out
}

type statusBody struct {
	Status  domain.TicketStatus `json:"status"`
	Comment string              `json:"comment,omitempty"`
}

type assignBody struct {
	UserID string `json:"userId"`
}

type commentBody struct {
	Text string `json:"text"`
}

func inputFields(in domain.TicketInput) map[string]string {
	fields := map[string]string{
		"title":       in.Title,
		"description": in.Description,
		"category":    string(in.Category),
		"department":  in.Department,
	}
	if in.Priority != "" {
		fields["priority"] = string(in.Priority)
	}
	if in.DueDate != nil {
		fields["dueDate"] = in.DueDate.UTC().Format(time.RFC3339)
	}
	return fields
}

func patchFields(p domain.TicketPatch) map[string]string {
	fields := map[string]string{}
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.Category != nil {
		fields["category"] = string(*p.Category)
	}
	if p.Priority != nil {
		fields["priority"] = string(*p.Priority)
	}
	if p.Department != nil {
		fields["department"] = *p.Department
	}
	if p.DueDate != nil {
		fields["dueDate"] = p.DueDate.UTC().Format(time.RFC3339)
	}
	return fields
}

