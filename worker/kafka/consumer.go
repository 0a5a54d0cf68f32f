package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"sceneForge/worker/models"
)

// SubmissionMessage asks the engine to start a task. Scenes is used for image batches,
// Video for compositions.
type SubmissionMessage struct {
	Kind    models.TaskKind                `json:"kind"`
	Scenes  []models.SceneDescriptor       `json:"scenes,omitempty"`
	Video   *models.VideoCompositionParams `json:"video,omitempty"`
	TraceID string                         `json:"trace_id,omitempty"`
}

type SubmissionHandler func(ctx context.Context, msg *SubmissionMessage) error

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

type consumerHandler struct {
	fn     SubmissionHandler
	logger *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands each message to the handler once. Undecodable messages and handler
// errors are logged and the offset is still committed; there is no redelivery.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var sub SubmissionMessage
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		h.logger.Error("Failed to decode submission",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}

	if err := h.fn(ctx, &sub); err != nil {
		h.logger.Error("Submission rejected",
			zap.String("kind", string(sub.Kind)),
			zap.String("trace_id", sub.TraceID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

// Consume joins the group and processes topic until ctx is done.
func (c *Consumer) Consume(ctx context.Context, topic string, handler SubmissionHandler) error {
	h := &consumerHandler{fn: handler, logger: c.logger}
	for {
		if err := c.consumer.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
