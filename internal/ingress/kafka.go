// Package ingress consumes events from message brokers and publishes them to
// the hub.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/models"
)

const (
	publishAttempts = 3
	publishTimeout  = 5 * time.Second
	retryDelay      = 200 * time.Millisecond
	rejoinDelay     = 2 * time.Second
)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error)
}

// KafkaConsumer reads publish requests from a topic as a consumer group
// member. Message values have the shape of models.PublishRequest.
type KafkaConsumer struct {
	log     *logrus.Logger
	pub     Publisher
	brokers []string
	groupID string
	topic   string
	config  *sarama.Config
}

// NewKafkaConsumer creates a consumer for topic in group groupID.
func NewKafkaConsumer(log *logrus.Logger, pub Publisher, brokers []string, groupID, topic string) *KafkaConsumer {
	config := sarama.NewConfig()
	config.Version = sarama.V2_1_0_0
	config.ClientID = "streamgate"
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	return &KafkaConsumer{
		log:     log,
		pub:     pub,
		brokers: brokers,
		groupID: groupID,
		topic:   topic,
		config:  config,
	}
}

// Run joins the group and consumes until ctx is cancelled.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	group, err := sarama.NewConsumerGroup(k.brokers, k.groupID, k.config)
	if err != nil {
		return fmt.Errorf("creating kafka consumer group: %w", err)
	}
	defer group.Close() //nolint:errcheck // best-effort close on shutdown

	go func() {
		for err := range group.Errors() {
			k.log.WithError(err).Warn("kafka consumer group error")
		}
	}()

	log := k.log.WithFields(logrus.Fields{"topic": k.topic, "group": k.groupID})
	log.Info("kafka consumer started")

	for {
		// Consume returns on every rebalance; it must be called again.
		if err := group.Consume(ctx, []string{k.topic}, k); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}

			log.WithError(err).Error("kafka consume failed")

			select {
			case <-ctx.Done():
			case <-time.After(rejoinDelay):
			}
		}

		if ctx.Err() != nil {
			log.Info("kafka consumer stopped")
			return nil
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (k *KafkaConsumer) Setup(s sarama.ConsumerGroupSession) error {
	k.log.WithField("claims", s.Claims()).Debug("kafka session started")
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (k *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Messages are marked
// once handled, including malformed ones, so a poison message cannot stall
// the partition.
func (k *KafkaConsumer) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			k.handle(s.Context(), msg)
			s.MarkMessage(msg, "")
		case <-s.Context().Done():
			return nil
		}
	}
}

// handle publishes one message, retrying transient failures. It reports
// whether the event was accepted.
func (k *KafkaConsumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	log := k.log.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var req models.PublishRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.WithError(err).Warn("kafka: dropping malformed message")
		return false
	}

	if err := req.Validate(); err != nil {
		log.WithError(err).Warn("kafka: dropping invalid message")
		return false
	}

	for attempt := 1; ; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, err := k.pub.Publish(pubCtx, &req)
		cancel()

		if err == nil {
			return true
		}

		if errors.Is(err, models.ErrInvalidInput) || attempt == publishAttempts {
			log.WithError(err).WithField("session", req.Session().String()).Error("kafka: failed to publish event")
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}
}
