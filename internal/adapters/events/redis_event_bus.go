package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
)

const (
	subscriberBuffer = 100
	subscribeTimeout = 5 * time.Second
)

// ErrEventBusClosed is returned by Subscribe after Close.
var ErrEventBusClosed = errors.New("event bus closed")

// feed is one Redis subscription shared by all local subscribers of a
// channel. It lives exactly as long as it has subscribers.
type feed struct {
	pubsub *redis.PubSub
	subs   *fanout
	stop   context.CancelFunc
}

// RedisEventBus carries prompt events over Redis Pub/Sub so that every API
// and SSE instance sees every status change.
type RedisEventBus struct {
	client *redisclient.Client
	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
	logger zerolog.Logger
}

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redisclient.Client) providers.EventBus {
	return &RedisEventBus{
		client: client,
		feeds:  make(map[string]*feed),
		logger: observability.ComponentLogger("event_bus"),
	}
}

// Publish publishes an event on a single channel.
func (b *RedisEventBus) Publish(ctx context.Context, channel string, event *entities.PromptEvent) error {
	return b.publish(ctx, []string{channel}, event)
}

// PublishPromptEvent publishes event on the updates, prompt and patient
// channels in one round trip.
func (b *RedisEventBus) PublishPromptEvent(ctx context.Context, event *entities.PromptEvent) error {
	return b.publish(ctx, providers.PromptEventChannels(event), event)
}

func (b *RedisEventBus) publish(ctx context.Context, channels []string, event *entities.PromptEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = b.client.Client().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, channel := range channels {
			pipe.Publish(ctx, channel, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	b.logger.Debug().
		Strs("channels", channels).
		Str("event_id", event.ID).
		Int64("prompt_id", event.PromptID).
		Str("to_status", string(event.ToStatus)).
		Msg("Published prompt event")
	return nil
}

// Subscribe returns a channel of events published on channel. The returned
// channel is closed when ctx ends, on Unsubscribe, or on Close. The Redis
// subscription is released once its last local subscriber leaves.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.PromptEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrEventBusClosed
	}

	f, exists := b.feeds[channel]
	if !exists {
		var err error
		if f, err = b.openFeed(ctx, channel); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.feeds[channel] = f
	}
	sub := f.subs.add()
	count := f.subs.size()
	b.mu.Unlock()

	b.logger.Info().Str("channel", channel).Int("subscribers", count).Msg("Subscribed to channel")

	go func() {
		<-ctx.Done()
		b.leave(channel, f, sub)
	}()
	return sub, nil
}

// openFeed subscribes in Redis and waits for the confirmation, so a caller
// never holds a channel that can not receive anything. Callers hold b.mu.
func (b *RedisEventBus) openFeed(ctx context.Context, channel string) (*feed, error) {
	feedCtx, stop := context.WithCancel(context.Background())
	pubsub := b.client.Client().Subscribe(feedCtx, channel)

	confirmCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		stop()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	f := &feed{pubsub: pubsub, subs: newFanout(subscriberBuffer), stop: stop}
	go b.relay(feedCtx, channel, f)
	return f, nil
}

// relay decodes messages from Redis and hands them to the feed's
// subscribers until the feed is retired.
func (b *RedisEventBus) relay(ctx context.Context, channel string, f *feed) {
	messages := f.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				b.mu.Lock()
				err := b.retire(channel, f)
				b.mu.Unlock()
				b.logger.Warn().Err(err).Str("channel", channel).Msg("Redis subscription ended unexpectedly")
				return
			}

			var event entities.PromptEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to unmarshal prompt event")
				continue
			}
			if skipped := f.subs.broadcast(&event); skipped > 0 {
				b.logger.Warn().
					Str("channel", channel).
					Str("event_id", event.ID).
					Int("skipped", skipped).
					Msg("Subscriber buffer full, event skipped")
			}
		}
	}
}

func (b *RedisEventBus) leave(channel string, f *feed, sub chan *entities.PromptEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, ok := f.subs.remove(sub)
	if !ok || remaining > 0 {
		return
	}
	if err := b.retire(channel, f); err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("Failed to release subscription")
	}
}

// retire stops f and drops it from the bus if it is still the live feed for
// channel. Callers hold b.mu.
func (b *RedisEventBus) retire(channel string, f *feed) error {
	if current, ok := b.feeds[channel]; ok && current == f {
		delete(b.feeds, channel)
	}
	f.stop()
	err := f.pubsub.Close()
	f.subs.closeAll()
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("failed to close subscription %s: %w", channel, err)
	}
	b.logger.Info().Str("channel", channel).Msg("Closed subscription")
	return nil
}

// Unsubscribe drops every local subscriber of channel.
func (b *RedisEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.feeds[channel]
	if !ok {
		return nil
	}
	return b.retire(channel, f)
}

// Close releases every subscription. Later Subscribe calls fail.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	var errs []error
	for channel, f := range b.feeds {
		if err := b.retire(channel, f); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors closing event bus: %w", err)
	}

	b.logger.Info().Msg("Event bus closed")
	return nil
}
