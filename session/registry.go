package session

import (
	"log/slog"
	"sync"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/topic"
)

// QueueFactory creates the outgoing queue of a new session.
// persistence.Persistence satisfies it.
type QueueFactory interface {
	Queue(clientID string) persistence.Queue
}

// Registry keeps the connected sessions and indexes their subscriptions.
// Lock order is registry, then session, then trie. Subscriptions only hold the
// registry read lock, the session map cannot change under them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	trieMu sync.RWMutex
	// userTrie holds filters matching normal topics, systemTrie those beginning with "$"
	userTrie   *subscriptionTrie
	systemTrie *subscriptionTrie

	queues QueueFactory
	logger *slog.Logger
}

func NewRegistry(queues QueueFactory, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		userTrie:   newTopicTrie(),
		systemTrie: newTopicTrie(),
		queues:     queues,
		logger:     logger,
	}
}

func (r *Registry) getTrie(f string) *subscriptionTrie {
	if topic.IsSystem(f) {
		return r.systemTrie
	}
	return r.userTrie
}

// Connect creates the session of clientID. A session holding the same id is
// closed first, takenOver reports it.
func (r *Registry) Connect(clientID string) (s *Session, takenOver bool) {
	logger := r.logger.With("client_id", clientID)
	s = newSession(clientID, r.queues.Queue(clientID), logger)
	r.mu.Lock()
	old := r.sessions[clientID]
	if old != nil {
		r.removeLocked(old)
	}
	r.sessions[clientID] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
		logger.Info("session taken over")
	}
	go s.drain()
	return s, old != nil
}

// Subscribe adds or replaces the subscription of filter for clientID.
func (r *Registry) Subscribe(clientID string, filter topic.Filter, qos uint8, sink DeliverySink) (*Session, models.SubscribeResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[clientID]
	if s == nil {
		return nil, models.SubscribeResult{}, errors.ErrUnknownSession
	}
	sub := &Subscriber{
		Session: s,
		Subscription: &models.Subscription{
			TopicFilter: filter.String(),
			Filter:      filter,
			QoS:         qos,
		},
		Sink: sink,
	}
	s.mu.Lock()
	_, existed := s.filters[filter.String()]
	s.filters[filter.String()] = sub
	r.trieMu.Lock()
	r.getTrie(filter.String()).subscribe(clientID, sub)
	r.trieMu.Unlock()
	s.mu.Unlock()
	return s, models.SubscribeResult{
		Subscription:   sub.Subscription.Copy(),
		AlreadyExisted: existed,
	}, nil
}

// Unsubscribe removes the subscription of filter, it is a no-op when the session does not hold it.
func (r *Registry) Unsubscribe(clientID string, filter string) (removed bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[clientID]
	if s == nil {
		return false, errors.ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.filters[filter]
	if !ok {
		return false, nil
	}
	delete(s.filters, filter)
	r.trieMu.Lock()
	r.getTrie(filter).unsubscribe(clientID, sub.Subscription.Filter.Levels())
	r.trieMu.Unlock()
	return true, nil
}

// Disconnect closes the session of clientID. It is idempotent.
func (r *Registry) Disconnect(clientID string) bool {
	r.mu.Lock()
	s := r.sessions[clientID]
	if s != nil {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.close()
	return true
}

// DisconnectSession closes s only while it is still the session of its client,
// a connection that lost a take-over must not close its successor.
func (r *Registry) DisconnectSession(s *Session) bool {
	r.mu.Lock()
	current := r.sessions[s.clientID] == s
	if current {
		r.removeLocked(s)
	}
	r.mu.Unlock()
	s.close()
	return current
}

func (r *Registry) removeLocked(s *Session) {
	s.mu.Lock()
	r.trieMu.Lock()
	for f, sub := range s.filters {
		r.getTrie(f).unsubscribe(s.clientID, sub.Subscription.Filter.Levels())
	}
	r.trieMu.Unlock()
	s.mu.Unlock()
	delete(r.sessions, s.clientID)
}

// Match calls fn for every subscription matching the topic name, under the trie read lock.
// fn must not block nor call back into the registry. Returning false stops the iteration.
func (r *Registry) Match(name topic.Name, fn func(*Subscriber) bool) {
	r.trieMu.RLock()
	defer r.trieMu.RUnlock()
	r.getTrie(name.String()).matchTopic(name.Levels(), fn)
}

func (r *Registry) Get(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		r.removeLocked(s)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
