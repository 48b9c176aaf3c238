package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	kafkaInitialBackoff = 500 * time.Millisecond
	kafkaMaxBackoff     = 30 * time.Second
)

// KafkaSource reads JSON transitions from a Kafka topic as a member of a
// consumer group.
type KafkaSource struct {
	group  sarama.ConsumerGroup
	topic  string
	logger zerolog.Logger
}

// NewKafkaConfig returns the consumer configuration used by KafkaSource
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()

	// Consumer configuration
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	// Version configuration
	config.Version = sarama.V2_8_0_0

	return config
}

// NewKafkaSource joins groupID on the given brokers
func NewKafkaSource(brokers []string, topic, groupID string, logger zerolog.Logger) (*KafkaSource, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return newKafkaSource(group, topic, logger), nil
}

func newKafkaSource(group sarama.ConsumerGroup, topic string, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		group:  group,
		topic:  topic,
		logger: logger.With().Str("component", "feed-kafka").Str("topic", topic).Logger(),
	}
}

// Run consumes the topic until ctx is cancelled. Failed consume sessions are
// restarted with exponential backoff.
func (s *KafkaSource) Run(ctx context.Context, sink Sink) error {
	defer s.group.Close()

	go func() {
		for err := range s.group.Errors() {
			metrics.FeedErrorsTotal.WithLabelValues("kafka").Inc()
			s.logger.Error().Err(err).Msg("Consumer group error")
		}
	}()

	handler := &consumerGroupHandler{sink: sink, logger: s.logger}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(kafkaInitialBackoff),
		backoff.WithMaxInterval(kafkaMaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	operation := func() error {
		// Consume returns after each rebalance; loop until it fails
		for ctx.Err() == nil {
			if err := s.group.Consume(ctx, []string{s.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return backoff.Permanent(err)
				}
				return err
			}
			b.Reset()
		}
		return nil
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		s.logger.Warn().Err(err).Dur("retry_in", d).Msg("Kafka consume failed, restarting")
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	sink   Sink
	logger zerolog.Logger
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			t, err := Decode(msg.Value)
			if err != nil {
				metrics.FeedErrorsTotal.WithLabelValues("kafka").Inc()
				h.logger.Warn().
					Err(err).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("Skipping malformed presence message")
				// Mark message as processed even if decode fails to avoid reprocessing
				session.MarkMessage(msg, "")
				continue
			}

			if t.Timestamp.IsZero() {
				t.Timestamp = msg.Timestamp
			}
			h.sink.HandleTransition(session.Context(), t)
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
