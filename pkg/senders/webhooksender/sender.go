// Package webhooksender delivers messages by POSTing them as JSON to an
// external endpoint, typically an email or SMS gateway relay.
package webhooksender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

type Sender struct {
	id       string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewSender(id, endpoint string, logger *slog.Logger) *Sender {
	return &Sender{
		id:       id,
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger.With("module", "webhook_sender", "sender_id", id),
	}
}

func (s *Sender) ID() string {
	return s.id
}

func (s *Sender) Send(ctx context.Context, message protocol.Message) (*protocol.Delivery, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, protocol.NewTransientError(fmt.Errorf("webhook request timed out: %w", err))
		}

		return nil, protocol.NewTransientError(fmt.Errorf("webhook request failed: %w", err))
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, protocol.NewTransientError(
			fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, body)
	}

	delivery := &protocol.Delivery{
		ID:     "wh-" + uuid.New().String()[:8],
		SentAt: time.Now().UTC(),
	}

	var receipt struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &receipt); err == nil && receipt.ID != "" {
		delivery.ID = receipt.ID
	}

	s.logger.Debug("Message delivered", "channel", message.Channel, "delivery_id", delivery.ID)

	return delivery, nil
}
