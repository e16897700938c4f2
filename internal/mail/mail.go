// ABOUTME: Outbound email message type and the Sender interface
// ABOUTME: Implementations deliver through SES or write to the log for development

package mail

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoRecipient is returned when a message has no destination address.
var ErrNoRecipient = errors.New("mail: message has no recipient")

// Message is a single email with a plain text and an HTML body.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	ReplyTo string
	// ReturnPath receives bounces.
	ReturnPath string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to a logger instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs msg at Info, including the text body.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not sent (log provider)",
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"text", msg.Text,
	)
	return nil
}
