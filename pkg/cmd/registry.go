package cmd

import (
	"log/slog"

	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/protocol"
	"github.com/casaflow/casaflow/pkg/registry"
	"github.com/casaflow/casaflow/pkg/senders/logsender"
	"github.com/casaflow/casaflow/pkg/senders/webhooksender"
)

// SenderConfig maps each messaging channel to an outbound webhook
// endpoint. Channels with an empty endpoint fall back to the log
// sender, which only records the message.
type SenderConfig struct {
	EmailEndpoint string
	SMSEndpoint   string
}

func NewRegistry(logger *slog.Logger, config SenderConfig) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterSender(models.ChannelEmail, newSender("email", config.EmailEndpoint, logger))
	reg.RegisterSender(models.ChannelSMS, newSender("sms", config.SMSEndpoint, logger))

	return reg
}

func newSender(id, endpoint string, logger *slog.Logger) protocol.MessageSender {
	if endpoint == "" {
		return logsender.NewSender(id, logger)
	}

	return webhooksender.NewSender(id, endpoint, logger)
}
