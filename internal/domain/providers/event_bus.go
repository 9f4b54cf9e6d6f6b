package providers

import (
	"context"
	"strconv"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.PromptEvent) error

	// PublishPromptEvent publishes event on every channel returned by
	// PromptEventChannels.
	PublishPromptEvent(ctx context.Context, event *entities.PromptEvent) error

	// Subscribe subscribes to events on a channel
	Subscribe(ctx context.Context, channel string) (<-chan *entities.PromptEvent, error)

	// Unsubscribe unsubscribes from a channel
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannel constants for different event types
const (
	// EventChannelPromptUpdates is the channel for all prompt updates
	EventChannelPromptUpdates = "prompt:updates"

	// EventChannelPromptPrefix is the prefix for prompt-specific channels
	EventChannelPromptPrefix = "prompt:"

	// EventChannelPatientPrefix is the prefix for patient channels
	EventChannelPatientPrefix = "patient:"
)

// GetPromptChannel returns the channel name for a specific prompt
func GetPromptChannel(promptID int64) string {
	return EventChannelPromptPrefix + strconv.FormatInt(promptID, 10)
}

// GetPatientChannel returns the channel name for a specific patient
func GetPatientChannel(patientID string) string {
	return EventChannelPatientPrefix + patientID
}

// PromptEventChannels lists the channels a prompt event is delivered on: the
// global updates channel, the prompt's channel and, when known, its patient's.
func PromptEventChannels(event *entities.PromptEvent) []string {
	channels := []string{EventChannelPromptUpdates, GetPromptChannel(event.PromptID)}
	if event.PatientID != "" {
		channels = append(channels, GetPatientChannel(event.PatientID))
	}
	return channels
}
