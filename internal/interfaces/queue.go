package interfaces

import (
	"context"

	"github.com/ternarybob/verto/internal/models"
)

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// DedupID suppresses the enqueue when a message with the same ID is
	// already pending.
	DedupID string
	// DelaySeconds postpones visibility.
	DelaySeconds int
}

// Queue is a persistent at-least-once message queue with late acks.
// Receive returns the message plus a done callback; the message is
// redelivered after the visibility timeout unless done is called.
type Queue interface {
	Enqueue(ctx context.Context, msg models.QueueMessage, opts *EnqueueOptions) error
	Receive(ctx context.Context) (*models.QueueMessage, func() error, error)
	Len(ctx context.Context) (int, error)
}

// QueueManager hands out named queues backed by one store.
type QueueManager interface {
	Queue(name string) Queue
	Close() error
}
