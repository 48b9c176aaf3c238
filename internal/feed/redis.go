package feed

import (
	"context"
	"fmt"

	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSource reads JSON transitions from a Redis pub/sub channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisSource creates a source subscribed to channel on client
func NewRedisSource(client *redis.Client, channel string, logger zerolog.Logger) *RedisSource {
	return &RedisSource{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "feed-redis").Str("channel", channel).Logger(),
	}
}

// Run delivers transitions to sink until ctx is cancelled.
func (s *RedisSource) Run(ctx context.Context, sink Sink) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	s.logger.Info().Msg("Subscribed to presence channel")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("presence channel %s closed", s.channel)
			}

			t, err := Decode([]byte(msg.Payload))
			if err != nil {
				metrics.FeedErrorsTotal.WithLabelValues("redis").Inc()
				s.logger.Warn().Err(err).Msg("Skipping malformed presence message")
				continue
			}
			sink.HandleTransition(ctx, t)
		}
	}
}

// Publish sends a transition to the channel. Used by producers and tests.
func (s *RedisSource) Publish(ctx context.Context, t Transition) error {
	data, err := Encode(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}
