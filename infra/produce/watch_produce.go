package produce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	WatchExchange   = "workflow.exchange"
	WatchQueue      = "workflow.watch"
	WatchRoutingKey = "workflow.watch"
)

// WatchMessage asks a consumer to follow one job until it finishes.
type WatchMessage struct {
	WorkflowID      string `json:"workflow_id"`
	User            string `json:"user"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type WatchProduceService struct {
	channel Publisher
}

func InitWatchProduceService(channel *amqp.Channel) *WatchProduceService {
	err := channel.ExchangeDeclare(
		WatchExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Workflow exchange: " + err.Error())
	}

	_, err = channel.QueueDeclare(
		WatchQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		panic("Failed to declare Watch queue: " + err.Error())
	}

	err = channel.QueueBind(
		WatchQueue,
		WatchRoutingKey,
		WatchExchange,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to bind Watch queue: " + err.Error())
	}

	return NewWatchProduceService(channel)
}

func NewWatchProduceService(channel Publisher) *WatchProduceService {
	return &WatchProduceService{
		channel: channel,
	}
}

func (s *WatchProduceService) PublishWatch(ctx context.Context, message WatchMessage) error {
	if message.WorkflowID == "" {
		return fmt.Errorf("workflow id cannot be empty")
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal watch message: %w", err)
	}

	err = s.channel.PublishWithContext(
		ctx,
		WatchExchange,
		WatchRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish watch message: %w", err)
	}

	return nil
}
