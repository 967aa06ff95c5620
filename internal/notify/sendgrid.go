package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"medicine-reminder/internal/models"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// MailClient is the part of *sendgrid.Client used here
type MailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Email sends caregiver escalations and summaries through SendGrid
type Email struct {
	client    MailClient
	fromName  string
	fromEmail string
}

func NewEmail(apiKey, fromName, fromEmail string) *Email {
	return NewEmailWithClient(sendgrid.NewSendClient(apiKey), fromName, fromEmail)
}

func NewEmailWithClient(client MailClient, fromName, fromEmail string) *Email {
	return &Email{client: client, fromName: fromName, fromEmail: fromEmail}
}

const escalationEmailPlain = `
{{- template "escalation" . }}

Please check in with them. No action is needed here once the dose is confirmed.
`

var escalationEmailTemplate = template.Must(template.Must(escalationTemplate.Clone()).New("escalation_email").Parse(escalationEmailPlain))

var summaryEmailTemplate = template.Must(template.Must(summaryTemplate.Clone()).New("summary_email").Parse(`{{ template "summary" . }}
`))

// SendEscalation emails the caregiver. Only email contacts are accepted.
func (e *Email) SendEscalation(ctx context.Context, to *models.Caregiver, esc Escalation) error {
	return e.send(ctx, to, fmt.Sprintf("Missed dose: %s", esc.MedicineName), escalationEmailTemplate, esc)
}

// SendSummary emails a daily summary to the caregiver
func (e *Email) SendSummary(ctx context.Context, to *models.Caregiver, sum Summary) error {
	return e.send(ctx, to, fmt.Sprintf("Daily summary for %s, %s", sum.Username, sum.Date), summaryEmailTemplate, sum)
}

func (e *Email) send(ctx context.Context, to *models.Caregiver, subject string, body *template.Template, data any) error {
	if to.ContactKind != models.ContactEmail {
		return fmt.Errorf("caregiver %d has no email contact", to.ID)
	}

	message := mail.NewV3Mail()
	message.From = mail.NewEmail(e.fromName, e.fromEmail)
	message.Subject = subject

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail(to.Name, to.ContactRef))
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := body.Execute(textContent, data); err != nil {
		return fmt.Errorf("while templating %s: %w", body.Name(), err)
	}
	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	resp, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: while sending mail through SendGrid: %v", ErrDeliveryFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: non-2XX response from SendGrid: %d %s", ErrDeliveryFailed, resp.StatusCode, resp.Body)
	}
	return nil
}
