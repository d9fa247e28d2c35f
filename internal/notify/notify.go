// Package notify delivers the end-of-run summary. Delivery is best-effort;
// a failed notification never fails the run.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// LogSender logs summaries instead of sending them — used in ENV=local or
// when no credentials are configured.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, subject, body string) error {
	s.logger.Info("run summary (local dev)", "subject", subject, "body", body)
	return nil
}

// ResendSender emails the summary via the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
	to     string
}

func (s *ResendSender) Send(ctx context.Context, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{s.to},
		Subject: subject,
		Text:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	return nil
}

// NewSender returns a LogSender unless full Resend credentials are present.
func NewSender(env, apiKey, from, to string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" || from == "" || to == "" {
		return &LogSender{logger: logger.With("component", "notify")}
	}
	return &ResendSender{client: resend.NewClient(apiKey), from: from, to: to}
}
