package notify

import (
	"context"
	"fmt"

	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender delivers a rendered email
type Sender interface {
	SendEmail(ctx context.Context, toEmail, toName, subject, htmlBody, plainTextBody string) error
}

// Mailer sends email through SendGrid, or logs it when no API key is set
type Mailer struct {
	fromEmail   string
	fromName    string
	sendGridKey string
	host        string
	log         logger.Logger
}

// NewMailer creates a Mailer.
// If sendGridAPIKey is provided, emails will be sent via SendGrid.
// Otherwise, emails will be logged (development mode).
func NewMailer(fromEmail, fromName, sendGridAPIKey string, log logger.Logger) *Mailer {
	if log == nil {
		log = logger.Default()
	}
	if sendGridAPIKey != "" {
		log.Info("email service initialized with SendGrid")
	} else {
		log.Warn("email service in console-only mode, set SENDGRID_API_KEY for production")
	}

	return &Mailer{
		fromEmail:   fromEmail,
		fromName:    fromName,
		sendGridKey: sendGridAPIKey,
		log:         log,
	}
}

// UsesSendGrid reports whether emails actually leave the process
func (m *Mailer) UsesSendGrid() bool {
	return m.sendGridKey != ""
}

// SendEmail sends an email with the given subject and bodies
func (m *Mailer) SendEmail(ctx context.Context, toEmail, toName, subject, htmlBody, plainTextBody string) error {
	if !m.UsesSendGrid() {
		m.log.Info("email not sent (development mode)",
			"subject", subject,
			"to", toEmail,
			"from", m.fromEmail,
		)
		return nil
	}
	return m.sendViaSendGrid(ctx, toEmail, toName, subject, htmlBody, plainTextBody)
}

func (m *Mailer) sendViaSendGrid(ctx context.Context, toEmail, toName, subject, htmlBody, plainTextBody string) error {
	from := mail.NewEmail(m.fromName, m.fromEmail)
	to := mail.NewEmail(toName, toEmail)
	message := mail.NewSingleEmail(from, subject, to, plainTextBody, htmlBody)

	request := sendgrid.GetRequest(m.sendGridKey, "/v3/mail/send", m.host)
	request.Method = "POST"
	client := &sendgrid.Client{Request: request}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		m.log.Error("sendgrid error", "error", err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		m.log.Error("sendgrid returned error status", "status", response.StatusCode, "body", response.Body)
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	m.log.Info("email sent", "to", toEmail, "status", response.StatusCode)
	return nil
}
