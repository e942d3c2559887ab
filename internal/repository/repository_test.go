package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/helpdesk/internal/domain"
)

func sampleTicket(id string, creator, assignee string, updated time.Time) domain.Ticket {
	t := domain.Ticket{
		ID:          id,
		Title:       "Printer jammed " + id,
		Description: "Paper stuck in tray two",
		Status:      domain.TicketStatusNew,
		Priority:    domain.TicketPriorityMedium,
		Category:    domain.TicketCategoryHardware,
		Department:  "IT",
		CreatedBy:   domain.UserRef{ID: creator, Name: creator},
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
	if assignee != "" {
		t.AssignedTo = &domain.UserRef{ID: assignee, Name: assignee}
	}
	return t
}

func TestMemoryTicketRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTicketRepository()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	ticket := sampleTicket("t1", "alice", "", now)
	require.NoError(t, repo.Create(ctx, ticket))
	assert.ErrorIs(t, repo.Create(ctx, ticket), ErrDuplicate)

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Printer jammed t1", got.Title)

	got.Title = "Printer fixed"
	require.NoError(t, repo.Save(ctx, got))
	again, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Printer fixed", again.Title)

	assert.ErrorIs(t, repo.Save(ctx, sampleTicket("missing", "alice", "", now)), ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "t1"))
	_, err = repo.GetByID(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "t1"), ErrNotFound)
}

func TestMemoryTicketRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTicketRepository()
	ticket := sampleTicket("t1", "alice", "", time.Now())
	ticket.Comments = []domain.Comment{{ID: "c1", Text: "first"}}
	require.NoError(t, repo.Create(ctx, ticket))

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	got.Comments[0].Text = "mutated"

	again, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", again.Comments[0].Text)
}

func TestMemoryTicketRepository_ListFiltersAndVisibility(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTicketRepository()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	a := sampleTicket("a", "alice", "", base)
	b := sampleTicket("b", "bob", "alice", base.Add(time.Hour))
	c := sampleTicket("c", "bob", "", base.Add(2*time.Hour))
	c.Priority = domain.TicketPriorityHigh
	c.Title = "VPN unreachable"
	for _, ticket := range []domain.Ticket{a, b, c} {
		require.NoError(t, repo.Create(ctx, ticket))
	}

	all, err := repo.List(ctx, TicketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	visible, err := repo.List(ctx, TicketFilter{VisibleTo: "alice"})
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, "b", visible[0].ID)
	assert.Equal(t, "a", visible[1].ID)

	high, err := repo.List(ctx, TicketFilter{Priority: domain.TicketPriorityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "c", high[0].ID)

	search, err := repo.List(ctx, TicketFilter{Search: "vpn"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, "c", search[0].ID)
}

func TestMemoryUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	user := &domain.User{ID: "u1", Name: "Alice", Email: "Alice@Example.com", Role: domain.RoleUser}
	require.NoError(t, repo.Create(ctx, user))
	assert.ErrorIs(t, repo.Create(ctx, &domain.User{ID: "u2", Email: "alice@example.com"}), ErrDuplicate)

	byEmail, err := repo.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	byID, err := repo.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func setupTestPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set, skipping postgres tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("postgres not available: %v", err)
	}
	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRepositories(t *testing.T) {
	pool := setupTestPostgres(t)
	ctx := context.Background()

	users := NewUserRepository(pool)
	tickets := NewTicketRepository(pool)

	suffix := uuid.NewString()
	creator := &domain.User{ID: "u-" + suffix, Name: "Alice", Email: suffix + "@example.com", PasswordHash: "x", Role: domain.RoleUser}
	require.NoError(t, users.Create(ctx, creator))
	assert.ErrorIs(t, users.Create(ctx, &domain.User{ID: "dup-" + suffix, Email: creator.Email, PasswordHash: "x", Role: domain.RoleUser}), ErrDuplicate)

	now := time.Now().UTC().Truncate(time.Millisecond)
	ticket := sampleTicket("t-"+suffix, creator.ID, "", now)
	ticket.Title = "Unique " + suffix
	require.NoError(t, tickets.Create(ctx, ticket))
	t.Cleanup(func() { _ = tickets.Delete(context.Background(), ticket.ID) })

	got, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Title, got.Title)
	require.Len(t, got.StatusHistory, 0)

	got.Status = domain.TicketStatusInProgress
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, tickets.Save(ctx, got))

	listed, err := tickets.List(ctx, TicketFilter{VisibleTo: creator.ID, Search: suffix})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.TicketStatusInProgress, listed[0].Status)

	_, err = tickets.GetByID(ctx, "missing-"+suffix)
	assert.ErrorIs(t, err, ErrNotFound)
}
