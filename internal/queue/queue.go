// Package queue is the offer task queue (C8): a durable, redeliverable
// work queue the scheduler's workers pull OfferTasks from.
package queue

import "context"

// OfferTask names one Dispatch that needs its next candidate offered or
// its timeout/ack checked.
type OfferTask struct {
	DispatchID string
}

// Handler processes one task. Returning an error causes the task to be
// nacked and redelivered. Poison messages (RabbitQueue deliveries that
// fail to decode) are dropped before any handler sees them.
type Handler func(ctx context.Context, task OfferTask) error

// Queue is the C8 contract: durable enqueue, manual-ack consume.
type Queue interface {
	Enqueue(ctx context.Context, task OfferTask) error
	// Consume blocks, invoking handler for each delivered task until ctx
	// is cancelled.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
