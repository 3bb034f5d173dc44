package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue is a durable offer task queue over RabbitMQ, grounded on the
// example pack's publisher/consumer client: persistent delivery mode with
// publisher confirms on the write side, and a manual-ack consume loop on
// the read side that nacks-without-requeue only on decode failure
// (poison messages), everything else goes back on the queue.
type RabbitQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
}

const confirmTimeout = 5 * time.Second

func NewRabbitQueue(conn *amqp.Connection, queueName string) (*RabbitQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("queue: enable confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue: declare %s: %w", queueName, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, fmt.Errorf("queue: qos: %w", err)
	}
	return &RabbitQueue{conn: conn, channel: ch, name: queueName}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, task OfferTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}

	confirmation, err := q.channel.PublishWithDeferredConfirmWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	ok, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("queue: publisher confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("queue: broker nacked publish for dispatch %s", task.DispatchID)
	}
	return nil
}

func (q *RabbitQueue) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := q.channel.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}

	closeNotify := q.channel.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closeNotify:
			if !ok {
				return nil
			}
			return fmt.Errorf("queue: channel closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var task OfferTask
			if err := json.Unmarshal(d.Body, &task); err != nil {
				// poison message: can never decode, requeueing just
				// loops forever.
				_ = d.Nack(false, false)
				continue
			}
			if err := handler(ctx, task); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (q *RabbitQueue) Close() error {
	return q.channel.Close()
}
