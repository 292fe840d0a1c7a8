package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forkcast/forkcast/pkg/models"
)

// Router is the delivery side of the subscription manager.
type Router interface {
	Deliver(channel, requestID string, event []byte, terminal bool)
}

// Publisher serializes canonical event payloads and routes them to the
// subscribers of a (channel, requestId). Delivery to one subscriber is
// at-most-once in publish order; subscribers of the same key may interleave
// relative to each other.
type Publisher struct {
	router Router
}

// NewPublisher creates a publisher routing through the given manager.
func NewPublisher(router Router) *Publisher {
	return &Publisher{router: router}
}

// PublishStatus publishes a progress event on the search channel.
func (p *Publisher) PublishStatus(requestID string, status models.JobStatus, progress int) error {
	return p.publish(ChannelSearch, requestID, StatusPayload{
		Type:      EventTypeStatus,
		RequestID: requestID,
		Status:    status,
		Progress:  progress,
	}, false)
}

// PublishTerminal publishes the terminal event carrying the full payload.
func (p *Publisher) PublishTerminal(requestID string, status models.JobStatus, payload any) error {
	return p.publish(ChannelSearch, requestID, TerminalPayload{
		Type:      TerminalEventType(status),
		RequestID: requestID,
		Payload:   payload,
	}, true)
}

// PublishAssistant publishes a narration event on the assistant channel.
func (p *Publisher) PublishAssistant(requestID string, narration *models.Narration) error {
	return p.publish(ChannelAssistant, requestID, AssistantPayload{
		Type:      EventTypeAssistant,
		RequestID: requestID,
		Payload:   narration,
	}, false)
}

// PublishProviderPatch builds the canonical provider-patch event and
// publishes it on the provider channel. url must be nil unless status is
// FOUND.
func (p *Publisher) PublishProviderPatch(provider, placeID, requestID, status string, url *string, updatedAt time.Time, meta map[string]any) error {
	if status != PatchFound {
		url = nil
	}
	return p.publish(ChannelProvider, requestID, ProviderPatchPayload{
		Type:      EventTypeResultPatch,
		RequestID: requestID,
		PlaceID:   placeID,
		Provider:  provider,
		Status:    status,
		URL:       url,
		UpdatedAt: updatedAt,
		Meta:      meta,
	}, false)
}

func (p *Publisher) publish(channel, requestID string, payload any, terminal bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event for %s: %w", channel, requestID, err)
	}
	p.router.Deliver(channel, requestID, data, terminal)
	slog.Debug("Published event", "channel", channel, "request_id", requestID, "bytes", len(data))
	return nil
}
