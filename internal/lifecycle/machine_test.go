package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/helpdesk/internal/domain"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

var (
	now       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	admin     = domain.Actor{ID: "u-admin", Name: "Ada", Role: domain.RoleAdmin}
	moderator = domain.Actor{ID: "u-mod", Name: "Mo", Role: domain.RoleModerator}
	creator   = domain.Actor{ID: "u-creator", Name: "Cleo", Role: domain.RoleUser}
	assignee  = domain.Actor{ID: "u-tech", Name: "Tess", Role: domain.RoleUser}
	stranger  = domain.Actor{ID: "u-other", Name: "Otto", Role: domain.RoleUser}
)

func printerTicket() domain.Ticket {
	return NewTicket("t-1", creator, domain.TicketInput{
		Title:       "Printer broken",
		Description: "Paper jam in tray 2",
		Category:    domain.TicketCategoryHardware,
		Priority:    domain.TicketPriorityHigh,
		Department:  "IT",
	}, nil, now)
}

func TestNewTicket_CreationScenario(t *testing.T) {
	ticket := printerTicket()

	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
	require.Len(t, ticket.StatusHistory, 1)
	assert.Equal(t, CreatedComment, ticket.StatusHistory[0].Comment)
	assert.Empty(t, ticket.Comments)
	assert.Empty(t, ticket.Attachments)
	assert.Nil(t, ticket.AssignedTo)
	assert.Equal(t, creator.ID, ticket.CreatedBy.ID)
}

func TestNewTicket_DefaultsPriority(t *testing.T) {
	ticket := NewTicket("t-2", creator, domain.TicketInput{Title: "Mouse dead", Description: "Left button broken"}, nil, now)
	assert.Equal(t, domain.TicketPriorityMedium, ticket.Priority)
}

func TestCanTransition_Matrix(t *testing.T) {
	ticket := printerTicket()
	ticket.AssignedTo = &domain.UserRef{ID: assignee.ID, Name: assignee.Name}

	cases := []struct {
		name       string
		actor      domain.Actor
		transition Transition
		want       bool
	}{
		{"admin assigns", admin, TransitionAssign, true},
		{"moderator assigns", moderator, TransitionAssign, true},
		{"creator cannot assign", creator, TransitionAssign, false},
		{"assignee cannot assign", assignee, TransitionAssign, false},
		{"assignee changes status", assignee, TransitionChangeStatus, true},
		{"creator cannot change status", creator, TransitionChangeStatus, false},
		{"moderator changes status", moderator, TransitionChangeStatus, true},
		{"creator edits", creator, TransitionEdit, true},
		{"assignee cannot edit", assignee, TransitionEdit, false},
		{"stranger cannot edit", stranger, TransitionEdit, false},
		{"creator comments", creator, TransitionComment, true},
		{"assignee comments", assignee, TransitionComment, true},
		{"stranger cannot comment", stranger, TransitionComment, false},
		{"creator deletes attachment", creator, TransitionDeleteAttachment, true},
		{"assignee cannot delete attachment", assignee, TransitionDeleteAttachment, false},
		{"admin deletes attachment", admin, TransitionDeleteAttachment, true},
		{"anonymous denied", domain.Actor{}, TransitionComment, false},
		{"unknown role denied", domain.Actor{ID: "x", Role: "guest"}, TransitionComment, false},
		{"unknown transition denied", admin, Transition("explode"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.actor, ticket, tc.transition))
		})
	}
}

func TestApplyAssign_NewTicketAdvancesToAssigned(t *testing.T) {
	ticket := printerTicket()

	next, err := ApplyAssign(moderator, ticket, assignee.Ref(), now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, domain.TicketStatusAssigned, next.Status)
	require.Len(t, next.StatusHistory, 2)
	last, _ := next.LastHistory()
	assert.Equal(t, AssignedComment, last.Comment)
	assert.Equal(t, domain.TicketStatusAssigned, last.Status)
	assert.Equal(t, assignee.ID, next.AssignedTo.ID)

	// the input value is untouched
	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
	assert.Len(t, ticket.StatusHistory, 1)
}

func TestApplyAssign_InProgressOnlyChangesAssignee(t *testing.T) {
	ticket := printerTicket()
	ticket, err := ApplyAssign(admin, ticket, assignee.Ref(), now)
	require.NoError(t, err)
	ticket, err = ApplyStatusChange(assignee, ticket, domain.TicketStatusInProgress, "", now)
	require.NoError(t, err)
	historyLen := len(ticket.StatusHistory)

	next, err := ApplyAssign(admin, ticket, stranger.Ref(), now)
	require.NoError(t, err)

	assert.Equal(t, domain.TicketStatusInProgress, next.Status)
	assert.Len(t, next.StatusHistory, historyLen)
	assert.Equal(t, stranger.ID, next.AssignedTo.ID)
}

func TestApplyAssign_UserRoleRejected(t *testing.T) {
	ticket := printerTicket()

	_, err := ApplyAssign(creator, ticket, assignee.Ref(), now)
	require.Error(t, err)
	assert.True(t, apperrors.IsForbidden(err))
}

func TestApplyStatusChange_ByAssignee(t *testing.T) {
	ticket := printerTicket()
	ticket, err := ApplyAssign(admin, ticket, assignee.Ref(), now)
	require.NoError(t, err)
	before := len(ticket.StatusHistory)

	next, err := ApplyStatusChange(assignee, ticket, domain.TicketStatusCompleted, "fixed", now)
	require.NoError(t, err)

	assert.Equal(t, domain.TicketStatusCompleted, next.Status)
	assert.Len(t, next.StatusHistory, before+1)
	last, _ := next.LastHistory()
	assert.Equal(t, "fixed", last.Comment)
	assert.Equal(t, assignee.ID, last.ChangedBy.ID)
}

func TestApplyStatusChange_DefaultComment(t *testing.T) {
	next, err := ApplyStatusChange(admin, printerTicket(), domain.TicketStatusInProgress, "  ", now)
	require.NoError(t, err)
	last, _ := next.LastHistory()
	assert.Equal(t, `status changed to "in-progress"`, last.Comment)
}

func TestApplyStatusChange_HistoryGrowsByAcceptedCalls(t *testing.T) {
	ticket := printerTicket()
	sequence := []domain.TicketStatus{
		domain.TicketStatusInProgress,
		domain.TicketStatusNew, // rejected: new is initial only
		domain.TicketStatusCompleted,
		domain.TicketStatusCompleted, // rejected: no-op
		domain.TicketStatusInProgress,
		domain.TicketStatus("bogus"), // rejected
		domain.TicketStatusCompleted,
		domain.TicketStatusClosed,
		domain.TicketStatusInProgress, // rejected: closed is terminal
	}
	accepted := 0
	for _, status := range sequence {
		next, err := ApplyStatusChange(admin, ticket, status, "", now)
		if err == nil {
			accepted++
			ticket = next
		}
	}

	assert.Equal(t, 5, accepted)
	assert.Len(t, ticket.StatusHistory, accepted+1)
	assert.Equal(t, domain.TicketStatusClosed, ticket.Status)
}

func TestApplyStatusChange_CreatorRejected(t *testing.T) {
	_, err := ApplyStatusChange(creator, printerTicket(), domain.TicketStatusCompleted, "", now)
	assert.True(t, apperrors.IsForbidden(err))
}

func TestApplyEdit_DoesNotTouchStatusOrAssignment(t *testing.T) {
	ticket := printerTicket()
	title := "Printer still broken"
	priority := domain.TicketPriorityCritical

	next, err := ApplyEdit(creator, ticket, domain.TicketPatch{Title: &title, Priority: &priority},
		[]domain.Attachment{{ID: "a-1", Name: "jam.jpg"}}, now)
	require.NoError(t, err)

	assert.Equal(t, title, next.Title)
	assert.Equal(t, priority, next.Priority)
	assert.Equal(t, ticket.Status, next.Status)
	assert.Len(t, next.StatusHistory, 1)
	assert.Nil(t, next.AssignedTo)
	assert.Len(t, next.Attachments, 1)
}

func TestApplyEdit_InvalidTitle(t *testing.T) {
	short := "abc"
	_, err := ApplyEdit(admin, printerTicket(), domain.TicketPatch{Title: &short}, nil, now)
	assert.True(t, apperrors.IsValidation(err))
}

func TestApplyComment(t *testing.T) {
	next, err := ApplyComment(creator, printerTicket(), domain.Comment{ID: "c-1", Text: "any update?"}, now)
	require.NoError(t, err)
	assert.Len(t, next.Comments, 1)
	assert.Equal(t, domain.TicketStatusNew, next.Status)

	_, err = ApplyComment(stranger, printerTicket(), domain.Comment{Text: "hi"}, now)
	assert.True(t, apperrors.IsForbidden(err))

	_, err = ApplyComment(creator, printerTicket(), domain.Comment{Text: "   "}, now)
	assert.True(t, apperrors.IsValidation(err))
}

func TestApplyAttachmentRemoval(t *testing.T) {
	ticket := printerTicket()
	ticket.Attachments = []domain.Attachment{{ID: "a-1"}, {ID: "a-2"}, {ID: "a-3"}}

	next, removed, err := ApplyAttachmentRemoval(creator, ticket, "a-2", now)
	require.NoError(t, err)
	assert.Equal(t, "a-2", removed.ID)
	require.Len(t, next.Attachments, 2)
	assert.Equal(t, "a-1", next.Attachments[0].ID)
	assert.Equal(t, "a-3", next.Attachments[1].ID)
	assert.Len(t, ticket.Attachments, 3)

	_, _, err = ApplyAttachmentRemoval(creator, ticket, "missing", now)
	assert.True(t, apperrors.IsNotFound(err))
}
