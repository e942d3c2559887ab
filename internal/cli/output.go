package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/deskflow/helpdesk/internal/domain"
)

func decodeJSON(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTickets(w io.Writer, format string, tickets []domain.Ticket) error {
	if format == "json" {
		if tickets == nil {
			tickets = []domain.Ticket{}
		}
		return writeJSON(w, tickets)
	}
	if len(tickets) == 0 {
		_, err := fmt.Fprintln(w, "no tickets")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tDEPARTMENT\tASSIGNEE\tTITLE")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Department, assigneeName(t), t.Title)
	}
	return tw.Flush()
}

func printTicket(w io.Writer, format string, t domain.Ticket) error {
	if format == "json" {
		return writeJSON(w, t)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", t.Title)
	fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	fmt.Fprintf(tw, "Priority:\t%s\n", t.Priority)
	fmt.Fprintf(tw, "Category:\t%s\n", t.Category)
	fmt.Fprintf(tw, "Department:\t%s\n", t.Department)
	fmt.Fprintf(tw, "Created by:\t%s\n", t.CreatedBy.Name)
	fmt.Fprintf(tw, "Assignee:\t%s\n", assigneeName(t))
	if t.DueDate != nil {
		fmt.Fprintf(tw, "Due:\t%s\n", t.DueDate.Format("2006-01-02"))
	}
	fmt.Fprintf(tw, "Updated:\t%s\n", t.UpdatedAt.Format(time.RFC3339))
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s\n", t.Description)
	if len(t.Attachments) > 0 {
		fmt.Fprintln(w, "\nAttachments:")
		for _, a := range t.Attachments {
			fmt.Fprintf(w, "  %s  %s (%d bytes)\n", a.ID, a.Name, a.Size)
		}
	}
	if len(t.Comments) > 0 {
		fmt.Fprintln(w, "\nComments:")
		for _, c := range t.Comments {
			fmt.Fprintf(w, "  [%s] %s: %s\n", c.CreatedAt.Format(time.RFC3339), c.CreatedBy.Name, c.Text)
		}
	}
	fmt.Fprintln(w, "\nHistory:")
	for _, h := range t.StatusHistory {
		fmt.Fprintf(w, "  [%s] %s by %s: %s\n", h.ChangedAt.Format(time.RFC3339), h.Status, h.ChangedBy.Name, h.Comment)
	}
	return nil
}

func assigneeName(t domain.Ticket) string {
	if t.AssignedTo == nil {
		return "-"
	}
	return t.AssignedTo.Name
}
