package services

import (
	"fmt"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer sends experiment failure notifications. With no api key configured
// it is a no-op, so single-node setups work without sendgrid.
type Mailer struct {
	apiKey string
	from   string
}

func NewMailer(apiKey, from string) *Mailer {
	return &Mailer{apiKey: apiKey, from: from}
}

func (m *Mailer) SendExperimentFailed(toEmail, experimentUrn string, execId int, reason string) {
	if m.apiKey == "" {
		return
	}

	from := mail.NewEmail("CLaaS", m.from)
	to := mail.NewEmail("", toEmail)
	subject := fmt.Sprintf("Experiment run %v/%d failed", experimentUrn, execId)

	plainText := fmt.Sprintf("Execution %d of experiment %v failed: %v", execId, experimentUrn, reason)
	htmlContent := fmt.Sprintf("<p>Execution %d of experiment <strong>%v</strong> failed:</p><pre>%v</pre>", execId, experimentUrn, reason)

	message := mail.NewSingleEmail(from, subject, to, plainText, htmlContent)
	client := sendgrid.NewSendClient(m.apiKey)
	if _, err := client.Send(message); err != nil {
		slog.Error("error sending experiment failure email", "experiment", experimentUrn, "error", err)
	}
}
