package notify

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"text/template"

	"medicine-reminder/internal/models"
)

// Recipient kinds and notification types stored in the outbox
const (
	RecipientUser      = "user"
	RecipientCaregiver = "caregiver"

	TypeReminder   = "reminder"
	TypeEscalation = "escalation"
	TypeLowStock   = "low_stock"
	TypeSummary    = "daily_summary"
)

// NotificationStore persists outbox rows
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Inbox queues notifications in the database for the chat layer to poll
type Inbox struct {
	store NotificationStore
}

func NewInbox(store NotificationStore) *Inbox {
	return &Inbox{store: store}
}

var funcs = template.FuncMap{"local": localTime}

var reminderTemplate = template.Must(template.New("reminder").Funcs(funcs).Parse(
	`Time to take {{.MedicineName}}{{if .DoseInfo}} ({{.DoseInfo}}){{end}}, scheduled for {{local .ScheduledAt .Timezone}}.
{{- if gt .Attempt 1}} This is reminder {{.Attempt}}.{{end}}`))

var escalationTemplate = template.Must(template.New("escalation").Funcs(funcs).Parse(
	`{{if .Username}}{{.Username}}{{else}}The person you care for{{end}} has not confirmed {{.MedicineName}} scheduled for {{local .ScheduledAt .Timezone}} after {{.Attempts}} reminders.`))

var lowStockTemplate = template.Must(template.New("low_stock").Parse(
	`{{if .Exhausted}}{{.MedicineName}} has run out.{{else}}{{.MedicineName}} is running low: {{.Quantity}}{{if .Unit}} {{.Unit}}{{end}} left.{{end}} Time to restock.`))

var summaryTemplate = template.Must(template.New("summary").Parse(
	`{{.Username}} on {{.Date}}: {{.Confirmed}} of {{.Total}} doses confirmed
{{- if .Missed}}, {{.Missed}} missed{{end}}
{{- if .Skipped}}, {{.Skipped}} skipped{{end}}
{{- if .Open}}, {{.Open}} still open{{end}}.`))

func render(t *template.Template, data any) (string, error) {
	buf := &bytes.Buffer{}
	if err := t.Execute(buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s message: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func (in *Inbox) queue(ctx context.Context, n *models.Notification) error {
	if err := in.store.Create(ctx, n); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// SendReminder queues a reminder for the user
func (in *Inbox) SendReminder(ctx context.Context, r Reminder) error {
	msg, err := render(reminderTemplate, r)
	if err != nil {
		return err
	}
	return in.queue(ctx, &models.Notification{
		RecipientKind: RecipientUser,
		RecipientID:   r.UserID,
		Type:          TypeReminder,
		ReferenceID:   sql.NullString{String: r.InstanceID, Valid: true},
		Title:         "Medicine reminder",
		Message:       msg,
	})
}

// SendEscalation queues an escalation for the caregiver
func (in *Inbox) SendEscalation(ctx context.Context, to *models.Caregiver, e Escalation) error {
	msg, err := render(escalationTemplate, e)
	if err != nil {
		return err
	}
	return in.queue(ctx, &models.Notification{
		RecipientKind: RecipientCaregiver,
		RecipientID:   to.ID,
		Type:          TypeEscalation,
		ReferenceID:   sql.NullString{String: e.RecordID, Valid: true},
		Title:         "Missed dose",
		Message:       msg,
	})
}

// SendLowStock queues a stock warning for the user
func (in *Inbox) SendLowStock(ctx context.Context, l LowStock) error {
	msg, err := render(lowStockTemplate, l)
	if err != nil {
		return err
	}
	title := "Low stock"
	if l.Exhausted {
		title = "Out of stock"
	}
	return in.queue(ctx, &models.Notification{
		RecipientKind: RecipientUser,
		RecipientID:   l.UserID,
		Type:          TypeLowStock,
		ReferenceID:   sql.NullString{String: strconv.FormatInt(l.MedicineID, 10), Valid: true},
		Title:         title,
		Message:       msg,
	})
}

// SendSummary queues a daily summary for the caregiver
func (in *Inbox) SendSummary(ctx context.Context, to *models.Caregiver, sum Summary) error {
	msg, err := render(summaryTemplate, sum)
	if err != nil {
		return err
	}
	return in.queue(ctx, &models.Notification{
		RecipientKind: RecipientCaregiver,
		RecipientID:   to.ID,
		Type:          TypeSummary,
		ReferenceID:   sql.NullString{String: fmt.Sprintf("%d:%s", sum.UserID, sum.Date), Valid: true},
		Title:         "Daily summary",
		Message:       msg,
	})
}
