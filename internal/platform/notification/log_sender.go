package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmailSender writes emails to the log instead of delivering them.
// Message bodies may contain one-time consent codes, so this sender is for
// development deployments only.
type LogEmailSender struct {
	Logger zerolog.Logger
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().
		Str("channel", "email").
		Str("to", to).
		Str("subject", subject).
		Str("body", body).
		Msg("notification delivered to log")
	return nil
}

// LogSMSSender writes SMS messages to the log instead of delivering them.
// Development deployments only.
type LogSMSSender struct {
	Logger zerolog.Logger
}

func (s *LogSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().
		Str("channel", "sms").
		Str("to", to).
		Str("body", body).
		Msg("notification delivered to log")
	return nil
}
