// Package filter projects a ticket set into the displayed subset.
package filter

import (
	"net/url"
	"sort"
	"strings"

	"github.com/deskflow/helpdesk/internal/domain"
)

// Spec selects tickets. Empty fields do not constrain the result.
type Spec struct {
	Status     domain.TicketStatus   `json:"status,omitempty"`
	Priority   domain.TicketPriority `json:"priority,omitempty"`
	Department string                `json:"department,omitempty"`
	Category   domain.TicketCategory `json:"category,omitempty"`
	AssignedTo string                `json:"assignedTo,omitempty"`
	CreatedBy  string                `json:"createdBy,omitempty"`
	Search     string                `json:"search,omitempty"`
}

// Empty reports whether no predicate is set.
func (s Spec) Empty() bool {
	return s == Spec{}
}

// Query renders the subset the service can filter on itself.
func (s Spec) Query() url.Values {
	q := url.Values{}
	if s.Status != "" {
		q.Set("status", string(s.Status))
	}
	if s.Priority != "" {
		q.Set("priority", string(s.Priority))
	}
	if s.Department != "" {
		q.Set("department", s.Department)
	}
	if search := strings.TrimSpace(s.Search); search != "" {
		q.Set("search", search)
	}
	return q
}

// Apply returns the tickets matching every set predicate, most recently
// updated first. The input slice is not modified.
func Apply(tickets []domain.Ticket, spec Spec) []domain.Ticket {
	search := strings.ToLower(strings.TrimSpace(spec.Search))
	out := make([]domain.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if Matches(ticket, spec, search) {
			out = append(out, ticket)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Matches evaluates spec against one ticket. search must already be lower-cased.
func Matches(ticket domain.Ticket, spec Spec, search string) bool {
	if spec.Status != "" && ticket.Status != spec.Status {
		return false
	}
	if spec.Priority != "" && ticket.Priority != spec.Priority {
		return false
	}
	if spec.Department != "" && ticket.Department != spec.Department {
		return false
	}
	if spec.Category != "" && ticket.Category != spec.Category {
		return false
	}
	if spec.AssignedTo != "" && (ticket.AssignedTo == nil || ticket.AssignedTo.ID != spec.AssignedTo) {
		return false
	}
	if spec.CreatedBy != "" && ticket.CreatedBy.ID != spec.CreatedBy {
		return false
	}
	if search == "" {
		return true
	}
	if contains(ticket.Title, search) || contains(ticket.Description, search) || contains(ticket.CreatedBy.Name, search) {
		return true
	}
	return ticket.AssignedTo != nil && contains(ticket.AssignedTo.Name, search)
}

func contains(field, search string) bool {
	return field != "" && strings.Contains(strings.ToLower(field), search)
}
