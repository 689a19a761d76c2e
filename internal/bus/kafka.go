package bus

import (
	"context"
	"encoding/json"
	"time"

	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/segmentio/kafka-go"
)

// MessageEvent is the record written for every persisted message.
type MessageEvent struct {
	Type    models.MessageType `json:"type"`
	Message *models.Message    `json:"message"`
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to deliver %d message events: %v", len(messages), err)
			}
		},
	}
	logger.Info("Publishing message events to Kafka topic %s", topic)
	return &KafkaPublisher{writer: writer}
}

// PublishMessage queues the event; delivery errors surface in the completion log.
func (p *KafkaPublisher) PublishMessage(ctx context.Context, msg *models.Message) error {
	record, err := EncodeMessageEvent(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, record)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// EncodeMessageEvent keys the record by channel so one channel stays on one
// partition and consumers see it in order.
func EncodeMessageEvent(msg *models.Message) (kafka.Message, error) {
	value, err := json.Marshal(MessageEvent{Type: models.MessageTypeNew, Message: msg})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.ChannelID),
		Value: value,
		Time:  msg.CreatedAt,
	}, nil
}
