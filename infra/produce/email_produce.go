package produce

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EmailExchange               = "email_exchange"
	EmailNotificationRoutingKey = "email.notification"
)

type EmailAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

type EmailMessage struct {
	Type          string            `json:"type"`
	Sender        string            `json:"sender,omitempty"`
	Recipient     string            `json:"recipient"`
	RecipientName string            `json:"recipientName,omitempty"`
	Subject       string            `json:"subject"`
	Content       string            `json:"content"`
	ContentType   string            `json:"contentType,omitempty"`
	ActionUrl     string            `json:"actionUrl,omitempty"`
	Attachments   []EmailAttachment `json:"attachments,omitempty"`
}

type EmailService struct {
	channel Publisher
}

func InitEmailService(channel *amqp.Channel) *EmailService {
	err := channel.ExchangeDeclare(
		EmailExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		panic("Failed to declare Email exchange: " + err.Error())
	}

	return NewEmailService(channel)
}

func NewEmailService(channel Publisher) *EmailService {
	return &EmailService{
		channel: channel,
	}
}

// Send publishes a workflow notification email for delivery by the mail worker.
func (s *EmailService) Send(ctx context.Context, recipient string, message EmailMessage) error {
	if recipient == "" {
		return fmt.Errorf("email recipient cannot be empty")
	}
	message.Recipient = recipient
	if message.Type == "" {
		message.Type = "notification"
	}

	return s.publishEmail(ctx, EmailNotificationRoutingKey, message)
}

func (s *EmailService) publishEmail(ctx context.Context, routingKey string, message EmailMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	err = s.channel.PublishWithContext(
		ctx,
		EmailExchange, // exchange
		routingKey,    // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish email message: %w", err)
	}

	return nil
}
