package notify

import (
	"context"

	"medicine-reminder/internal/models"
)

// Router sends email caregivers through Email when it is configured and
// everything else through the inbox.
type Router struct {
	inbox *Inbox
	email *Email
}

// NewRouter builds a router; email may be nil
func NewRouter(inbox *Inbox, email *Email) *Router {
	return &Router{inbox: inbox, email: email}
}

func (r *Router) SendReminder(ctx context.Context, rem Reminder) error {
	return r.inbox.SendReminder(ctx, rem)
}

func (r *Router) SendEscalation(ctx context.Context, to *models.Caregiver, e Escalation) error {
	if r.email != nil && to.ContactKind == models.ContactEmail {
		return r.email.SendEscalation(ctx, to, e)
	}
	return r.inbox.SendEscalation(ctx, to, e)
}

func (r *Router) SendLowStock(ctx context.Context, l LowStock) error {
	return r.inbox.SendLowStock(ctx, l)
}

func (r *Router) SendSummary(ctx context.Context, to *models.Caregiver, sum Summary) error {
	if r.email != nil && to.ContactKind == models.ContactEmail {
		return r.email.SendSummary(ctx, to, sum)
	}
	return r.inbox.SendSummary(ctx, to, sum)
}
