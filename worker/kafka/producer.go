package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"sceneForge/worker/models"
)

// TaskEvent is published after every task mutation, keyed by task id so that one
// task's events stay ordered within a partition.
type TaskEvent struct {
	Type      string       `json:"type"`
	Task      *models.Task `json:"task"`
	EmittedAt time.Time    `json:"emitted_at"`
}

type EventPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewEventPublisher(brokers []string, topic string) (*EventPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return NewEventPublisherFromProducer(p, topic), nil
}

func NewEventPublisherFromProducer(p sarama.SyncProducer, topic string) *EventPublisher {
	return &EventPublisher{producer: p, topic: topic}
}

// TaskChanged publishes the snapshot t as a task.<status> event.
func (p *EventPublisher) TaskChanged(ctx context.Context, t *models.Task) error {
	data, err := json.Marshal(TaskEvent{
		Type:      "task." + string(t.Status),
		Task:      t,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(t.ID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *EventPublisher) Close() error {
	return p.producer.Close()
}
