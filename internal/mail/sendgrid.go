package mail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridSender delivers messages through the SendGrid v3 API.
type SendGridSender struct {
	apiKey   string
	from     string
	fromName string
	logger   *slog.Logger
}

func NewSendGridSender(apiKey, from string, logger *slog.Logger) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, from: from, fromName: "InfoTech", logger: logger}
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if s.apiKey == "" {
		return fmt.Errorf("sendgrid api key is empty")
	}
	if s.from == "" {
		return fmt.Errorf("from address is empty")
	}
	if msg.To == "" {
		return fmt.Errorf("to address is empty")
	}

	// SendGrid rejects empty content parts.
	plain := msg.Subject
	message := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.fromName, s.from),
		msg.Subject,
		sgmail.NewEmail("", msg.To),
		plain,
		msg.HTML,
	)
	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send failed: status=%d, body=%s", response.StatusCode, response.Body)
	}
	s.logger.Info("mail sent", "status", response.StatusCode, "to", msg.To, "subject", msg.Subject)
	return nil
}
