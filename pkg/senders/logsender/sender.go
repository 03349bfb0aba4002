// Package logsender provides a MessageSender that writes deliveries to the
// structured log instead of an external gateway. It is the default in local
// development so workflows can be exercised without a messaging provider.
package logsender

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/pkg/protocol"
)

type Sender struct {
	id     string
	logger *slog.Logger
}

// NewSender creates a log-backed sender registered under the given channel id.
func NewSender(id string, logger *slog.Logger) *Sender {
	return &Sender{
		id:     id,
		logger: logger.With("module", "logsender", "channel", id),
	}
}

func (s *Sender) ID() string {
	return s.id
}

// Send logs the message and returns a synthetic delivery receipt.
func (s *Sender) Send(ctx context.Context, message protocol.Message) (*protocol.Delivery, error) {
	s.logger.InfoContext(ctx, "Delivering message",
		"to", message.To,
		"subject", message.Subject,
		"body", message.Body,
	)

	return &protocol.Delivery{
		ID:     "log-" + uuid.New().String()[:8],
		SentAt: time.Now().UTC(),
	}, nil
}
