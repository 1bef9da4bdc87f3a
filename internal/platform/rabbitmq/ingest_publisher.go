package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// IngestJob asks the ingest worker to chunk and embed one document.
type IngestJob struct {
	DocumentID uint `json:"document_id"`
}

type IngestPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewIngestPublisher(conn *amqp.Connection, queueName string) *IngestPublisher {
	return &IngestPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *IngestPublisher) Publish(ctx context.Context, documentID uint) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		p.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare ingest queue failed: %w", err)
	}

	payload, err := json.Marshal(IngestJob{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("marshal ingest job failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish ingest job failed: %w", err)
	}
	return nil
}
