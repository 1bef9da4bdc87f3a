package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"docuchat/internal/ingest"
	"docuchat/internal/platform/logger"
	"docuchat/internal/platform/rabbitmq"
)

// IngestWorker consumes ingest jobs and runs them through the ingestor. A job
// that fails is not requeued: the ingestor has already marked the document
// failed, and replaying the same document would just fail again.
type IngestWorker struct {
	conn      *amqp.Connection
	ingestor  *ingest.Ingestor
	queueName string
	log       *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingestor *ingest.Ingestor, queueName string, log *logger.Logger) *IngestWorker {
	return &IngestWorker{
		conn:      conn,
		ingestor:  ingestor,
		queueName: queueName,
		log:       log,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var job rabbitmq.IngestJob
				if err := json.Unmarshal(d.Body, &job); err != nil {
					w.log.Error("decode ingest job failed", "error", err)
					_ = d.Nack(false, false)
					continue
				}

				if _, err := w.ingestor.Ingest(workerCtx, job.DocumentID); err != nil {
					w.log.Warn("ingest job failed", "document_id", job.DocumentID, "error", err)
					_ = d.Nack(false, false)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
