package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/events"
	"github.com/deskflow/helpdesk/internal/service"
)

// StartNotificationWorker registers notification handlers and the audit
// log that records every ticket event.
func StartNotificationWorker(dispatcher events.Dispatcher, notifications *service.NotificationService, logger *zap.Logger) {
	if notifications != nil {
		notifications.RegisterHandlers()
	}
	if dispatcher == nil || logger == nil {
		return
	}
	audit := logger.Named("audit")
	dispatcher.SubscribeAll(func(_ context.Context, event events.Event) error {
		audit.Info(string(event.Type),
			zap.String("event_id", event.ID),
			zap.String("ticket_id", event.TicketID),
			zap.String("actor_id", event.Actor.ID),
			zap.String("actor_role", string(event.Actor.Role)),
			zap.Time("at", event.Timestamp),
			zap.Any("payload", event.Payload))
		return nil
	})
}
