package persistence

// Persistence owns the retained store and hands out session queues.
type Persistence interface {
	Retained() Retained
	// Queue creates the outgoing queue of a session. Queues are never shared,
	// a take-over gets a fresh one.
	Queue(clientID string) Queue
	// Close releases the backend.
	Close() error
}
