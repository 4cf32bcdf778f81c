package persistence

import (
	"context"

	"github.com/zhimiaox/zmqx-retain/models"
)

// Queue represents the outgoing FIFO queue of one session.
// It has a single consumer, the session drain loop calling Read.
type Queue interface {
	// Add inserts a elem to the queue without blocking.
	// It returns errors.QueueDropQueueFull when the queue is reaching the maximum setting
	// and errors.QueueClosed after Close. The caller still owns a rejected elem.
	Add(elem *models.QueueElem) error
	// Put inserts a elem to the queue, waiting for room until ctx is done or the queue is closed.
	Put(ctx context.Context, elem *models.QueueElem) error
	// Read removes and returns at most max elems in FIFO order.
	// Calling this method will be blocked until there are any elems or the queue has been closed.
	// If the queue has been closed, returns nil, errors.QueueClosed.
	Read(max int) ([]*models.QueueElem, error)
	// Len returns the number of queued elems.
	Len() int
	// Close discards every queued elem, calling Done on each, and unblocks Read and Put.
	Close()
}
