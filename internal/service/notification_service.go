package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/config"
	"github.com/deskflow/helpdesk/internal/events"
)

// NotificationService turns ticket events into email and webhook notices.
// Delivery is stubbed: notices are logged, never sent.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger.Named("notify"),
		cfg:        cfg,
	}
}

// notice is one rendered notification.
type notice struct {
	subject string
	// recipient is empty for webhook-only notices.
	recipient string
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handle)
	n.dispatcher.Subscribe(events.EventTicketStatusChanged, n.handle)
	n.dispatcher.Subscribe(events.EventTicketAssigned, n.handle)
	n.dispatcher.Subscribe(events.EventTicketCommentAdded, n.handle)
	n.dispatcher.Subscribe(events.EventTicketAttachmentDeleted, n.handle)
	n.dispatcher.Subscribe(events.EventTicketDeleted, n.handle)
}

func (n *NotificationService) handle(ctx context.Context, event events.Event) error {
	msg, ok := render(event)
	if !ok {
		return nil
	}
	if msg.recipient != "" {
		n.sendEmail(ctx, event, msg)
	}
	n.sendWebhook(ctx, event, msg)
	return nil
}

// render builds the notice for event. Events without a known payload are
// skipped.
func render(event events.Event) (notice, bool) {
	switch p := event.Payload.(type) {
	case events.TicketCreatedPayload:
		return notice{
			subject:   fmt.Sprintf("New %s priority ticket %q", p.Priority, p.Title),
			recipient: "department:" + p.Department,
		}, true
	case events.TicketAssignedPayload:
		name := p.AssigneeName
		if name == "" {
			name = p.AssigneeID
		}
		return notice{
			subject:   fmt.Sprintf("Ticket %s assigned to %s by %s", event.TicketID, name, event.Actor.Name),
			recipient: "user:" + p.AssigneeID,
		}, true
	case events.TicketStatusChangedPayload:
		return notice{
			subject: fmt.Sprintf("Ticket %s moved from %s to %s", event.TicketID, p.OldStatus, p.NewStatus),
		}, true
	case events.TicketCommentAddedPayload:
		return notice{
			subject:   fmt.Sprintf("%s commented on %s: %s", event.Actor.Name, event.TicketID, p.BodyPreview),
			recipient: "watchers:" + event.TicketID,
		}, true
	case events.TicketAttachmentDeletedPayload:
		return notice{
			subject: fmt.Sprintf("Attachment %s removed from %s", p.Name, event.TicketID),
		}, true
	}
	if event.Type == events.EventTicketDeleted {
		return notice{subject: fmt.Sprintf("Ticket %s deleted by %s", event.TicketID, event.Actor.Name)}, true
	}
	return notice{}, false
}

func (n *NotificationService) sendEmail(_ context.Context, event events.Event, msg notice) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("email notice",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("to", msg.recipient),
		zap.String("subject", msg.subject),
		zap.String("ticket_id", event.TicketID),
		zap.String("event_type", string(event.Type)))
}

func (n *NotificationService) sendWebhook(_ context.Context, event events.Event, msg notice) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("webhook notice",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("subject", msg.subject),
		zap.String("ticket_id", event.TicketID),
		zap.String("event_type", string(event.Type)))
}
