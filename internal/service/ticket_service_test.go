package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/clock"
	"github.com/deskflow/helpdesk/internal/config"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/events"
	"github.com/deskflow/helpdesk/internal/lifecycle"
	"github.com/deskflow/helpdesk/internal/persistence"
	"github.com/deskflow/helpdesk/internal/repository"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

var (
	alice = domain.Actor{ID: "alice", Name: "Alice", Role: domain.RoleUser}
	bob   = domain.Actor{ID: "bob", Name: "Bob", Role: domain.RoleUser}
	mod   = domain.Actor{ID: "mod", Name: "Mod", Role: domain.RoleModerator}
)

type memoryFiles struct {
	files     map[string]string
	removeErr error
	removed   []string
	seq       int
}

func newMemoryFiles() *memoryFiles {
	return &memoryFiles{files: map[string]string{}}
}

func (m *memoryFiles) SaveAll(uploads []persistence.Upload) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(uploads))
	for _, u := range uploads {
		body, err := io.ReadAll(u.Body)
		if err != nil {
			return nil, err
		}
		m.seq++
		path := u.Name + "-" + string(rune('a'+m.seq))
		m.files[path] = string(body)
		out = append(out, domain.Attachment{ID: "att-" + path, Name: u.Name, Path: path, Size: int64(len(body)), Type: u.ContentType})
	}
	return out, nil
}

func (m *memoryFiles) Open(path string) (io.ReadCloser, error) {
	body, ok := m.files[path]
	if !ok {
		return nil, apperrors.NewNotFound("attachment file", nil)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (m *memoryFiles) Remove(path string) error {
	m.removed = append(m.removed, path)
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.files, path)
	return nil
}

type serviceHarness struct {
	svc    *TicketService
	repo   *repository.MemoryTicketRepository
	files  *memoryFiles
	clock  *clock.FakeClock
	events []events.Event
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	ctx := context.Background()
	users := repository.NewMemoryUserRepository()
	for _, a := range []domain.Actor{alice, bob, mod} {
		require.NoError(t, users.Create(ctx, &domain.User{ID: a.ID, Name: a.Name, Email: a.ID + "@example.com", Role: a.Role}))
	}
	h := &serviceHarness{
		repo:  repository.NewMemoryTicketRepository(),
		files: newMemoryFiles(),
		clock: clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.SubscribeAll(func(_ context.Context, e events.Event) error {
		h.events = append(h.events, e)
		return nil
	})
	h.svc = NewTicketService(TicketDependencies{
		TicketRepo:  h.repo,
		UserRepo:    users,
		Attachments: h.files,
		Dispatcher:  dispatcher,
		Clock:       h.clock,
		Logger:      zap.NewNop(),
	})
	return h
}

func validInput() domain.TicketInput {
	return domain.TicketInput{
		Title:       "Printer jammed",
		Description: "Paper stuck in tray two",
		Category:    domain.TicketCategoryHardware,
		Priority:    domain.TicketPriorityHigh,
		Department:  "IT",
	}
}

func (h *serviceHarness) create(t *testing.T, actor domain.Actor) domain.Ticket {
	t.Helper()
	ticket, err := h.svc.Create(context.Background(), actor, validInput(), nil)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return ticket
}

func TestCreate(t *testing.T) {
	h := newServiceHarness(t)
	ticket, err := h.svc.Create(context.Background(), alice, validInput(), []persistence.Upload{
		{Name: "photo.png", ContentType: "image/png", Body: strings.NewReader("png")},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
	assert.Equal(t, "alice@example.com", ticket.CreatedBy.Email)
	require.Len(t, ticket.StatusHistory, 1)
	assert.Equal(t, lifecycle.CreatedComment, ticket.StatusHistory[0].Comment)
	require.Len(t, ticket.Attachments, 1)
	assert.Equal(t, "photo.png", ticket.Attachments[0].Name)

	stored, err := h.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Title, stored.Title)

	require.Len(t, h.events, 1)
	assert.Equal(t, events.EventTicketCreated, h.events[0].Type)
}

func TestCreate_InvalidInput(t *testing.T) {
	h := newServiceHarness(t)
	in := validInput()
	in.Title = "Hi"
	_, err := h.svc.Create(context.Background(), alice, in, nil)
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, h.events)
}

func TestList_UserSeesOwnAndAssigned(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	own := h.create(t, alice)
	other := h.create(t, bob)
	h.create(t, bob)

	_, err := h.svc.Assign(ctx, mod, other.ID, alice.ID)
	require.NoError(t, err)

	visible, err := h.svc.List(ctx, alice, TicketListFilter{})
	require.NoError(t, err)
	ids := []string{}
	for _, ticket := range visible {
		ids = append(ids, ticket.ID)
	}
	assert.ElementsMatch(t, []string{own.ID, other.ID}, ids)

	all, err := h.svc.List(ctx, mod, TicketListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = h.svc.List(ctx, mod, TicketListFilter{Status: "bogus"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestGet_Visibility(t *testing.T) {
	h := newServiceHarness(t)
	ticket := h.create(t, alice)

	_, err := h.svc.Get(context.Background(), bob, ticket.ID)
	assert.True(t, apperrors.IsForbidden(err))

	got, err := h.svc.Get(context.Background(), mod, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)

	_, err = h.svc.Get(context.Background(), mod, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAssign(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket := h.create(t, alice)

	_, err := h.svc.Assign(ctx, alice, ticket.ID, bob.ID)
	assert.True(t, apperrors.IsForbidden(err))

	_, err = h.svc.Assign(ctx, mod, ticket.ID, "nobody")
	assert.True(t, apperrors.IsNotFound(err))

	assigned, err := h.svc.Assign(ctx, mod, ticket.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAssigned, assigned.Status)
	assert.Equal(t, "Bob", assigned.AssignedTo.Name)
	assert.Len(t, assigned.StatusHistory, 2)

	// Reassigning an in-progress ticket changes only the assignee.
	progressed, err := h.svc.ChangeStatus(ctx, bob, ticket.ID, domain.TicketStatusInProgress, "")
	require.NoError(t, err)
	reassigned, err := h.svc.Assign(ctx, mod, ticket.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, reassigned.Status)
	assert.Len(t, reassigned.StatusHistory, len(progressed.StatusHistory))
}

func TestChangeStatus(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket := h.create(t, alice)
	_, err := h.svc.Assign(ctx, mod, ticket.ID, bob.ID)
	require.NoError(t, err)

	_, err = h.svc.ChangeStatus(ctx, alice, ticket.ID, domain.TicketStatusCompleted, "")
	assert.True(t, apperrors.IsForbidden(err))

	done, err := h.svc.ChangeStatus(ctx, bob, ticket.ID, domain.TicketStatusCompleted, "fixed")
	require.NoError(t, err)
	last, ok := done.LastHistory()
	require.True(t, ok)
	assert.Equal(t, "fixed", last.Comment)
	assert.Equal(t, bob.ID, last.ChangedBy.ID)

	closed, err := h.svc.ChangeStatus(ctx, mod, ticket.ID, domain.TicketStatusClosed, "")
	require.NoError(t, err)
	last, _ = closed.LastHistory()
	assert.Equal(t, lifecycle.StatusChangeComment(domain.TicketStatusClosed), last.Comment)

	_, err = h.svc.ChangeStatus(ctx, mod, ticket.ID, domain.TicketStatusInProgress, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))

	statusEvents := 0
	for _, e := range h.events {
		if e.Type == events.EventTicketStatusChanged {
			statusEvents++
		}
	}
	assert.Equal(t, 2, statusEvents)
}

func TestUpdate(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket := h.create(t, alice)

	title := "Printer still jammed"
	_, err := h.svc.Update(ctx, bob, ticket.ID, domain.TicketPatch{Title: &title}, nil)
	assert.True(t, apperrors.IsForbidden(err))

	_, err = h.svc.Update(ctx, alice, ticket.ID, domain.TicketPatch{}, nil)
	assert.True(t, apperrors.IsValidation(err))

	updated, err := h.svc.Update(ctx, alice, ticket.ID, domain.TicketPatch{Title: &title}, []persistence.Upload{
		{Name: "log.zip", Body: strings.NewReader("zip")},
	})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, ticket.Status, updated.Status)
	assert.Len(t, updated.Attachments, 1)
	assert.True(t, updated.UpdatedAt.After(ticket.UpdatedAt))
}

func TestAddComment(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket := h.create(t, alice)

	_, err := h.svc.AddComment(ctx, alice, ticket.ID, "   ")
	assert.True(t, apperrors.IsValidation(err))

	_, err = h.svc.AddComment(ctx, bob, ticket.ID, "not mine")
	assert.True(t, apperrors.IsForbidden(err))

	comment, err := h.svc.AddComment(ctx, alice, ticket.ID, "  any update?  ")
	require.NoError(t, err)
	assert.Equal(t, "any update?", comment.Text)
	assert.Equal(t, alice.ID, comment.CreatedBy.ID)

	stored, err := h.repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, stored.Comments, 1)
	assert.Equal(t, comment.ID, stored.Comments[0].ID)
}

func TestDeleteAttachment(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket, err := h.svc.Create(ctx, alice, validInput(), []persistence.Upload{
		{Name: "a.png", Body: strings.NewReader("a")},
		{Name: "b.png", Body: strings.NewReader("b")},
	})
	require.NoError(t, err)
	first := ticket.Attachments[0]

	_, _, err = h.svc.DeleteAttachment(ctx, bob, ticket.ID, first.ID)
	assert.True(t, apperrors.IsForbidden(err))

	_, _, err = h.svc.DeleteAttachment(ctx, alice, ticket.ID, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	updated, storageErr, err := h.svc.DeleteAttachment(ctx, alice, ticket.ID, first.ID)
	require.NoError(t, err)
	assert.Empty(t, storageErr)
	require.Len(t, updated.Attachments, 1)
	assert.Equal(t, "b.png", updated.Attachments[0].Name)
	assert.Equal(t, []string{first.Path}, h.files.removed)
}

func TestDeleteAttachment_StorageFailureStillRemovesEntry(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket, err := h.svc.Create(ctx, alice, validInput(), []persistence.Upload{
		{Name: "a.png", Body: strings.NewReader("a")},
	})
	require.NoError(t, err)
	h.files.removeErr = errors.New("disk busy")

	updated, storageErr, err := h.svc.DeleteAttachment(ctx, mod, ticket.ID, ticket.Attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "disk busy", storageErr)
	assert.Empty(t, updated.Attachments)

	stored, err := h.repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Attachments)
}

func TestOpenAttachment(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket, err := h.svc.Create(ctx, alice, validInput(), []persistence.Upload{
		{Name: "a.pdf", Body: strings.NewReader("pdf")},
	})
	require.NoError(t, err)

	att, body, err := h.svc.OpenAttachment(ctx, alice, ticket.ID, ticket.Attachments[0].ID)
	require.NoError(t, err)
	defer body.Close()
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", att.Name)
	assert.Equal(t, "pdf", string(content))

	_, _, err = h.svc.OpenAttachment(ctx, bob, ticket.ID, ticket.Attachments[0].ID)
	assert.True(t, apperrors.IsForbidden(err))
}

func TestDelete(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	ticket := h.create(t, alice)

	assert.True(t, apperrors.IsForbidden(h.svc.Delete(ctx, alice, ticket.ID)))
	require.NoError(t, h.svc.Delete(ctx, mod, ticket.ID))
	assert.True(t, apperrors.IsNotFound(h.svc.Delete(ctx, mod, ticket.ID)))
}

func TestAuthService_LoginAndSeed(t *testing.T) {
	ctx := context.Background()
	users := repository.NewMemoryUserRepository()
	cfg := config.Config{Auth: config.AuthConfig{JWTSecret: "secret", AccessTokenTTLMinutes: 60, BcryptCost: 4}}
	svc := NewAuthService(cfg, AuthDependencies{UserRepo: users})

	require.NoError(t, svc.SeedDemoUsers(ctx))
	require.NoError(t, svc.SeedDemoUsers(ctx))

	result, err := svc.Login(ctx, "moderator@example.com", "moderator123")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleModerator, result.User.Role)
	assert.NotEmpty(t, result.Token)

	claims, err := svc.TokenManager().ParseToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, claims.UserID)

	_, err = svc.Login(ctx, "moderator@example.com", "wrong")
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = svc.Login(ctx, "nobody@example.com", "x")
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = svc.Login(ctx, "", "")
	assert.True(t, apperrors.IsValidation(err))

	me, err := svc.Me(ctx, result.User.Actor())
	require.NoError(t, err)
	assert.Equal(t, "moderator@example.com", me.Email)

	_, err = svc.Register(ctx, "Dup", "USER@example.com", "pw", domain.RoleUser, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
}
