package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
)

// DeliverySink receives the messages of a subscription.
type DeliverySink = models.DeliverySink

// SinkFunc adapts a function to DeliverySink.
type SinkFunc = models.SinkFunc

// readBatch is the number of queued elems the drain loop takes at once.
const readBatch = 64

// Subscriber is one subscription of a session with the sink it delivers to.
type Subscriber struct {
	Session      *Session
	Subscription *models.Subscription
	Sink         DeliverySink
}

// Session is the server side state of a connected client: its filters and
// its outgoing queue. A single goroutine drains the queue into the sinks.
type Session struct {
	clientID  string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	filters map[string]*Subscriber

	queue  persistence.Queue
	done   chan struct{}
	logger *slog.Logger
}

func newSession(clientID string, queue persistence.Queue, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		clientID:  clientID,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		filters:   make(map[string]*Subscriber),
		queue:     queue,
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Context is canceled when the session is disconnected or taken over.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed once the drain loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has been disconnected.
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// Enqueue adds a message for sink without blocking.
func (s *Session) Enqueue(msg *models.Message, sink DeliverySink) error {
	return s.queue.Add(&models.QueueElem{At: time.Now(), Message: msg, Sink: sink})
}

// EnqueueWait adds elem, waiting for room in the queue until ctx or the session is done.
func (s *Session) EnqueueWait(ctx context.Context, elem *models.QueueElem) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.queue.Put(ctx, elem)
}

// QueueLen returns the number of undelivered messages.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// Subscription returns the subscription of the filter, if any.
func (s *Session) Subscription(filter string) (*Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.filters[filter]
	return sub, ok
}

// Subscriptions returns a copy of the subscriptions ordered by filter.
func (s *Session) Subscriptions() []*models.Subscription {
	s.mu.Lock()
	rs := make([]*models.Subscription, 0, len(s.filters))
	for _, sub := range s.filters {
		rs = append(rs, sub.Subscription.Copy())
	}
	s.mu.Unlock()
	slices.SortFunc(rs, func(a, b *models.Subscription) int {
		return strings.Compare(a.TopicFilter, b.TopicFilter)
	})
	return rs
}

// drain delivers the queued elems in FIFO order until the queue is closed.
func (s *Session) drain() {
	defer close(s.done)
	for {
		elems, err := s.queue.Read(readBatch)
		if err != nil {
			s.logger.Debug("session queue drained", "err", err)
			return
		}
		for _, elem := range elems {
			if s.Closed() {
				elem.Done()
				continue
			}
			elem.Deliver()
		}
	}
}

// close cancels the session and discards the queue. It does not wait for the
// drain loop, a sink may be the one closing its own session.
func (s *Session) close() {
	s.cancel()
	s.queue.Close()
}
