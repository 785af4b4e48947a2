package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

// EmailSender delivers one email. Implementations are best-effort.
type EmailSender interface {
	Send(to, subject, body string) error
}

// SMSSender delivers one SMS.
type SMSSender interface {
	Send(phone, message string) error
}

// Dispatcher fans a lifecycle event out to the configured channels and
// records a Notification row when a store is attached. Every channel is
// best-effort; the returned error is advisory and callers only log it.
type Dispatcher struct {
	Email  EmailSender
	SMS    SMSSender
	WS     *WSRegistry
	Push   *HTTPPush
	Store  storage.Store
	Logger *slog.Logger
}

func (d *Dispatcher) ServiceRequested(ctx context.Context, requester *models.Person, svc *models.ServiceRequest) error {
	subject := "Service Request Received"
	body := fmt.Sprintf("Hello %s,\n\nYour %s request has been received and is %s.\nWe're finding the best mechanic for you.",
		requester.Name, svc.Type, svc.Status)
	var errs []error
	if d.Email != nil {
		if err := d.Email.Send(requester.Email, subject, body); err != nil {
			observability.NotifyFailures.WithLabelValues("email").Inc()
			errs = append(errs, err)
		}
	}
	d.record(ctx, "", requester.ID, subject, body, "service_request")
	return errors.Join(errs...)
}

func (d *Dispatcher) MechanicAssigned(ctx context.Context, requester, mechanic *models.Person, svc *models.ServiceRequest) error {
	subject := "Mechanic Assigned"
	body := fmt.Sprintf("Hello %s,\n\nA mechanic has been assigned to your request.\nMechanic: %s\nPhone: %s\nThey will contact you shortly.",
		requester.Name, mechanic.Name, mechanic.Phone)
	var errs []error
	if d.Email != nil {
		if err := d.Email.Send(requester.Email, subject, body); err != nil {
			observability.NotifyFailures.WithLabelValues("email").Inc()
			errs = append(errs, err)
		}
	}
	if d.SMS != nil {
		if err := d.SMS.Send(mechanic.Phone, fmt.Sprintf("New job: %s at %s", svc.Type, svc.Location.Address)); err != nil {
			observability.NotifyFailures.WithLabelValues("sms").Inc()
			errs = append(errs, err)
		}
	}
	if d.WS != nil {
		if err := d.WS.Send(mechanic.ID, map[string]any{"event": "assigned", "service": svc}); err != nil {
			observability.NotifyFailures.WithLabelValues("ws").Inc()
			errs = append(errs, err)
		}
	}
	d.record(ctx, "", requester.ID, subject, body, "assignment")
	return errors.Join(errs...)
}

func (d *Dispatcher) EmergencyRaised(ctx context.Context, alert *models.EmergencyAlert) error {
	var errs []error
	payload := map[string]any{"event": "emergency", "alert": alert}
	if d.WS != nil {
		d.WS.Broadcast(payload)
	}
	if d.Push != nil {
		if err := d.Push.Post(ctx, payload); err != nil {
			observability.NotifyFailures.WithLabelValues("push").Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// record persists the notification row; failures only log because the
// record is a convenience, not part of the triggering transition.
func (d *Dispatcher) record(ctx context.Context, senderID, recipientID, title, body, kind string) {
	if d.Store == nil {
		return
	}
	n := &models.Notification{
		ID:          newID(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Title:       title,
		Message:     body,
		Kind:        kind,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.Store.CreateNotification(ctx, n); err != nil && d.Logger != nil {
		d.Logger.Warn("notification record failed", "recipient", recipientID, "error", err)
	}
}

// LogEmailSender is the stub used until a real mail provider is wired.
type LogEmailSender struct {
	Logger *slog.Logger
}

func (l *LogEmailSender) Send(to, subject, body string) error {
	if l.Logger != nil {
		l.Logger.Info("email", "to", to, "subject", subject)
	}
	return nil
}

// LogSMSSender is the stub SMS channel.
type LogSMSSender struct {
	Logger *slog.Logger
}

func (l *LogSMSSender) Send(phone, message string) error {
	if l.Logger != nil {
		l.Logger.Info("sms", "to", phone, "message", message)
	}
	return nil
}
