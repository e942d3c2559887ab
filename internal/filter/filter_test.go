package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/helpdesk/internal/domain"
)

func fixture() []domain.Ticket {
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	tess := &domain.UserRef{ID: "u-tess", Name: "Tess Tech"}
	return []domain.Ticket{
		{ID: "1", Title: "Printer broken", Description: "Paper jam in tray 2", Status: domain.TicketStatusNew,
			Priority: domain.TicketPriorityHigh, Category: domain.TicketCategoryHardware, Department: "IT",
			CreatedBy: domain.UserRef{ID: "u-cleo", Name: "Cleo"}, UpdatedAt: base},
		{ID: "2", Title: "VPN drops", Description: "Connection resets hourly", Status: domain.TicketStatusInProgress,
			Priority: domain.TicketPriorityCritical, Category: domain.TicketCategoryNetwork, Department: "Sales",
			CreatedBy: domain.UserRef{ID: "u-sam", Name: "Sam"}, AssignedTo: tess, UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "3", Title: "Install IDE", Description: "Need the licensed editor", Status: domain.TicketStatusAssigned,
			Priority: domain.TicketPriorityLow, Category: domain.TicketCategorySoftware, Department: "IT",
			CreatedBy: domain.UserRef{ID: "u-cleo", Name: "Cleo"}, AssignedTo: tess, UpdatedAt: base.Add(time.Hour)},
		{ID: "4", Title: "Leaking radiator", Description: "Room 204 radiator leaks", Status: domain.TicketStatusClosed,
			Priority: domain.TicketPriorityMedium, Category: domain.TicketCategoryMaintenance, Department: "Facilities",
			CreatedBy: domain.UserRef{ID: "u-sam", Name: "Sam"}, UpdatedAt: base.Add(time.Hour)},
	}
}

func ids(tickets []domain.Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ID)
	}
	return out
}

func TestApply_EmptySpecReturnsAllByRecency(t *testing.T) {
	got := Apply(fixture(), Spec{})
	// 3 and 4 share UpdatedAt; ties break by id
	assert.Equal(t, []string{"2", "3", "4", "1"}, ids(got))
}

func TestApply_Conjunctive(t *testing.T) {
	got := Apply(fixture(), Spec{Department: "IT", AssignedTo: "u-tess"})
	assert.Equal(t, []string{"3"}, ids(got))

	got = Apply(fixture(), Spec{Department: "IT", Status: domain.TicketStatusClosed})
	assert.Empty(t, got)
}

func TestApply_SinglePredicates(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want []string
	}{
		{"status", Spec{Status: domain.TicketStatusNew}, []string{"1"}},
		{"priority", Spec{Priority: domain.TicketPriorityCritical}, []string{"2"}},
		{"category", Spec{Category: domain.TicketCategoryMaintenance}, []string{"4"}},
		{"created by", Spec{CreatedBy: "u-sam"}, []string{"2", "4"}},
		{"assigned to", Spec{AssignedTo: "u-tess"}, []string{"2", "3"}},
		{"search title", Spec{Search: "PRINTER"}, []string{"1"}},
		{"search description", Spec{Search: "room 204"}, []string{"4"}},
		{"search assignee name", Spec{Search: "tess"}, []string{"2", "3"}},
		{"search creator name", Spec{Search: "cleo"}, []string{"3", "1"}},
		{"search blank ignored", Spec{Search: "   "}, []string{"2", "3", "4", "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(Apply(fixture(), tc.spec)))
		})
	}
}

func TestApply_IdempotentAndOrderStable(t *testing.T) {
	set := fixture()
	specs := []Spec{{}, {Department: "IT"}, {Search: "e"}, {AssignedTo: "u-tess"}, {Status: domain.TicketStatusClosed}}
	for _, spec := range specs {
		first := Apply(set, spec)
		second := Apply(set, spec)
		require.Equal(t, first, second)
		assert.Equal(t, first, Apply(first, spec))
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	set := fixture()
	_ = Apply(set, Spec{})
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(set))
}

func TestSpec_Query(t *testing.T) {
	q := Spec{Status: domain.TicketStatusNew, Department: "IT", Search: " jam ", Category: domain.TicketCategoryHardware}.Query()
	assert.Equal(t, "new", q.Get("status"))
	assert.Equal(t, "IT", q.Get("department"))
	assert.Equal(t, "jam", q.Get("search"))
	assert.Empty(t, q.Get("category"))
	assert.True(t, Spec{}.Empty())
}
