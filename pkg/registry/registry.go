// Package registry holds the message senders available to the step
// executor and the filter schemas accepted by each trigger kind.
package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/protocol"
)

type Registry struct {
	logger        *slog.Logger
	senders       map[models.Channel]protocol.MessageSender
	filterSchemas map[models.TriggerKind]map[string]any
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger:        logger.With("module", "registry"),
		senders:       make(map[models.Channel]protocol.MessageSender),
		filterSchemas: make(map[models.TriggerKind]map[string]any),
	}
	registerDefaultFilterSchemas(r)

	return r
}

// RegisterSender binds a sender to a delivery channel, replacing any
// previous binding for that channel.
func (r *Registry) RegisterSender(channel models.Channel, sender protocol.MessageSender) {
	r.senders[channel] = sender
	r.logger.Debug("Sender registered", "channel", channel, "sender_id", sender.ID())
}

func (r *Registry) Sender(channel models.Channel) (protocol.MessageSender, error) {
	sender, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", channel)
	}

	return sender, nil
}

func (r *Registry) RegisterFilterSchema(kind models.TriggerKind, schema map[string]any) {
	r.filterSchemas[kind] = schema
}

// ValidateTriggerFilter checks a workflow trigger filter against the
// schema registered for its kind. Kinds without a schema accept any
// filter, including none.
func (r *Registry) ValidateTriggerFilter(trigger models.Trigger) error {
	schema, ok := r.filterSchemas[trigger.Kind]
	if !ok {
		return nil
	}

	filter := trigger.Filter
	if filter == nil {
		filter = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(filter)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate trigger filter: %w", err)
	}

	if !result.Valid() {
		var violations []string
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}

		return fmt.Errorf("invalid filter for trigger %q: %s",
			trigger.Kind, strings.Join(violations, "; "))
	}

	return nil
}
