package events

import (
	"time"

	"github.com/forkcast/forkcast/pkg/models"
)

// Event type discriminators carried in the "type" field.
const (
	EventTypeStatus      = "status"
	EventTypeResult      = "result"
	EventTypeClarify     = "clarify"
	EventTypeStopped     = "stopped"
	EventTypeFailed      = "failed"
	EventTypeAssistant   = "assistant"
	EventTypeResultPatch = "result_patch"
	EventTypeSubAck      = "sub_ack"
	EventTypeSubNack     = "sub_nack"
)

// Provider-patch status values.
const (
	PatchPending  = "PENDING"
	PatchFound    = "FOUND"
	PatchNotFound = "NOT_FOUND"
)

// StatusPayload is the progress event published at each stage boundary.
type StatusPayload struct {
	Type      string           `json:"type"` // always EventTypeStatus
	RequestID string           `json:"requestId"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
}

// TerminalPayload carries the full terminal payload of a job. Type is one of
// result/clarify/stopped/failed.
type TerminalPayload struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload"`
}

// AssistantPayload is the narration event on the assistant channel.
type AssistantPayload struct {
	Type      string            `json:"type"` // always EventTypeAssistant
	RequestID string            `json:"requestId"`
	Payload   *models.Narration `json:"payload"`
}

// ProviderPatchPayload updates one result's third-party deep-link state.
// URL is null unless Status is FOUND.
type ProviderPatchPayload struct {
	Type      string         `json:"type"` // always EventTypeResultPatch
	RequestID string         `json:"requestId"`
	PlaceID   string         `json:"placeId"`
	Provider  string         `json:"provider"`
	Status    string         `json:"status"`
	URL       *string        `json:"url"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SubAckPayload acknowledges a subscribe. Pending is set when the job did not
// exist yet and the subscription was parked for activation.
type SubAckPayload struct {
	Type      string `json:"type"` // always EventTypeSubAck
	Channel   string `json:"channel"`
	RequestID string `json:"requestId"`
	Pending   bool   `json:"pending,omitempty"`
}

// SubNackPayload rejects a subscribe with a machine-readable reason.
type SubNackPayload struct {
	Type      string `json:"type"` // always EventTypeSubNack
	Channel   string `json:"channel"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

// TerminalEventType maps a terminal job status to its event discriminator.
func TerminalEventType(status models.JobStatus) string {
	switch status {
	case models.StatusDoneSuccess:
		return EventTypeResult
	case models.StatusDoneClarify:
		return EventTypeClarify
	case models.StatusDoneStopped:
		return EventTypeStopped
	default:
		return EventTypeFailed
	}
}
