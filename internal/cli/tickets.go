package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskflow/helpdesk/internal/api/dto"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/filter"
	"github.com/deskflow/helpdesk/internal/transport"
)

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Sign in and print a bearer token",
		Example: `  export HELPDESK_TOKEN=$(helpdesk login --email user@example.com --password user123)`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				raw, err := rt.client.Do(ctx, transport.Request{
					Method: http.MethodPost,
					Path:   "/auth/login",
					Body:   dto.LoginRequest{Email: email, Password: password},
				})
				if err != nil {
					return err
				}
				var login dto.LoginResponse
				if err := decodeJSON(raw, &login); err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), login)
				}
				fmt.Fprintln(cmd.OutOrStdout(), login.Token)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		spec    filter.Spec
		status  string
		prio    string
		cat     string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets visible to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Status = domain.TicketStatus(status)
			spec.Priority = domain.TicketPriority(prio)
			spec.Category = domain.TicketCategory(cat)
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				if _, err := rt.store.Load(ctx, refresh); err != nil {
					return err
				}
				return printTickets(cmd.OutOrStdout(), rootOpts.Format, rt.store.SetFilter(spec))
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&prio, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&cat, "category", "", "filter by category")
	cmd.Flags().StringVar(&spec.Department, "department", "", "filter by department")
	cmd.Flags().StringVar(&spec.AssignedTo, "assigned-to", "", "filter by assignee id")
	cmd.Flags().StringVar(&spec.CreatedBy, "created-by", "", "filter by creator id")
	cmd.Flags().StringVar(&spec.Search, "search", "", "match title or description")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the read cache")

	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show one ticket with its comments and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}
}

type ticketFlags struct {
	title       string
	description string
	category    string
	priority    string
	department  string
	due         string
	attach      []string
}

func (f *ticketFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "ticket title")
	cmd.Flags().StringVar(&f.description, "description", "", "ticket description")
	cmd.Flags().StringVar(&f.category, "category", "", "hardware|software|network|maintenance|other")
	cmd.Flags().StringVar(&f.priority, "priority", "", "critical|high|medium|low")
	cmd.Flags().StringVar(&f.department, "department", "", "owning department")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringArrayVar(&f.attach, "attach", nil, "file to attach (repeatable)")
}

func (f *ticketFlags) files() ([]transport.File, error) {
	files := make([]transport.File, 0, len(f.attach))
	for _, path := range f.attach {
		file, err := transport.FileFromPath(path)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &ticketFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseDue(flags.due)
			if err != nil {
				return err
			}
			files, err := flags.files()
			if err != nil {
				return err
			}
			in := domain.TicketInput{
				Title:       flags.title,
				Description: flags.description,
				Category:    domain.TicketCategory(flags.category),
				Priority:    domain.TicketPriority(flags.priority),
				Department:  flags.department,
				DueDate:     due,
			}
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.Create(ctx, in, files, progressPrinter(cmd, files))
				if err != nil {
					return err
				}
				if ticket.Pending {
					fmt.Fprintln(cmd.ErrOrStderr(), "ticket created; the list could not be refreshed")
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}

	flags.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("department")

	return cmd
}

// NewEditCommand creates the edit command. Only flags given on the
// command line are sent.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &ticketFlags{}

	cmd := &cobra.Command{
		Use:   "edit <ticket-id>",
		Short: "Change ticket fields or add attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := flags.patch(cmd)
			if err != nil {
				return err
			}
			files, err := flags.files()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.Update(ctx, args[0], patch, files, progressPrinter(cmd, files))
				if err != nil {
					return err
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func (f *ticketFlags) patch(cmd *cobra.Command) (domain.TicketPatch, error) {
	var patch domain.TicketPatch
	changed := cmd.Flags().Changed
	if changed("title") {
		patch.Title = &f.title
	}
	if changed("description") {
		patch.Description = &f.description
	}
	if changed("category") {
		category := domain.TicketCategory(f.category)
		patch.Category = &category
	}
	if changed("priority") {
		priority := domain.TicketPriority(f.priority)
		patch.Priority = &priority
	}
	if changed("department") {
		patch.Department = &f.department
	}
	if changed("due") {
		due, err := parseDue(f.due)
		if err != nil {
			return domain.TicketPatch{}, err
		}
		patch.DueDate = due
	}
	return patch, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "status <ticket-id> <status>",
		Short: "Move a ticket to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.ChangeStatus(ctx, args[0], domain.TicketStatus(args[1]), comment)
				if err != nil {
					return err
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "history comment")
	return cmd
}

// NewAssignCommand creates the assign command.
func NewAssignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <ticket-id> <user-id>",
		Short: "Assign a ticket (staff only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.Assign(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}
}

// NewCommentCommand creates the comment command.
func NewCommentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <ticket-id> <text>...",
		Short: "Add a comment to a ticket",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				comment, err := rt.store.AddComment(ctx, args[0], text)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), comment)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "comment %s added\n", comment.ID)
				return nil
			})
		},
	}
}

// NewRemoveAttachmentCommand creates the rm-attachment command.
func NewRemoveAttachmentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm-attachment <ticket-id> <attachment-id>",
		Short: "Remove an attachment from a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.DeleteAttachment(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTicket(cmd.OutOrStdout(), rootOpts.Format, ticket)
			})
		},
	}
}

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <ticket-id> <attachment-id>",
		Short: "Save an attachment to disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				ticket, err := rt.store.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				var att *domain.Attachment
				for i := range ticket.Attachments {
					if ticket.Attachments[i].ID == strings.TrimSpace(args[1]) {
						att = &ticket.Attachments[i]
						break
					}
				}
				if att == nil {
					return fmt.Errorf("ticket %s has no attachment %s", ticket.ID, args[1])
				}
				target := output
				if target == "" {
					target = att.Name
				}
				f, err := os.Create(target)
				if err != nil {
					return err
				}
				path := "/tickets/" + url.PathEscape(ticket.ID) + "/attachments/" + url.PathEscape(att.ID)
				n, err := rt.client.Download(ctx, path, f)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					_ = os.Remove(target)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", target, n)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default: attachment name)")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ticket-id>",
		Short: "Delete a ticket (staff only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				if err := rt.store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ticket %s deleted\n", args[0])
				return nil
			})
		},
	}
}

// NewCacheStatsCommand creates the cache-stats command. With the Redis
// cache enabled it reports the entries shared between invocations.
func NewCacheStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var drop bool

	cmd := &cobra.Command{
		Use:   "cache-stats",
		Short: "Show the read cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), rootOpts, func(ctx context.Context, rt *runtime) error {
				if drop {
					if err := rt.coordinator.ClearCache(ctx); err != nil {
						return err
					}
				}
				stats, err := rt.coordinator.Stats(ctx)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\n", stats.CacheSize)
				for _, key := range stats.CacheKeys {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", key)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&drop, "clear", false, "drop every cached read first")
	return cmd
}

func parseDue(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid due date %q: use YYYY-MM-DD or RFC3339", value)
}

func progressPrinter(cmd *cobra.Command, files []transport.File) func(int) {
	if len(files) == 0 {
		return nil
	}
	return func(percent int) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\ruploading %3d%%", percent)
		if percent == 100 {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}
