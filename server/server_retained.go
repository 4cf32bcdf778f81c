package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/metrics"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/session"
)

// Replay tracks the retained messages sent to a new subscription.
type Replay struct {
	topicFilter string
	// pending counts queued messages not yet delivered or discarded
	pending   sync.WaitGroup
	matched   atomic.Int64
	queued    atomic.Int64
	delivered atomic.Int64
	done      chan struct{}
	err       error
}

func newReplay(topicFilter string) *Replay {
	return &Replay{topicFilter: topicFilter, done: make(chan struct{})}
}

// Wait blocks until every queued retained message has been delivered or
// discarded, or ctx is done. It returns why the replay stopped early, if it did.
func (r *Replay) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// Done is closed when Wait would return.
func (r *Replay) Done() <-chan struct{} {
	return r.done
}

func (r *Replay) TopicFilter() string {
	return r.topicFilter
}

// Matched returns the number of retained topics the filter matched.
func (r *Replay) Matched() int {
	return int(r.matched.Load())
}

// Queued returns the number of retained messages put into the session queue.
func (r *Replay) Queued() int {
	return int(r.queued.Load())
}

// Delivered returns the number of retained messages handed to the sink.
func (r *Replay) Delivered() int {
	return int(r.delivered.Load())
}

// replayRetained matches the filter against the retained store and queues the
// records for the subscriber. It runs in the background, the subscription is
// already live so nothing published meanwhile is missed.
func (srv *server) replayRetained(s *session.Session, sub *models.Subscription, sink session.DeliverySink) *Replay {
	r := newReplay(sub.TopicFilter)
	if !srv.cfg.MQTT.RetainAvailable {
		close(r.done)
		return r
	}
	counted := session.SinkFunc(func(topicName string, payload []byte, qos uint8, retained bool) {
		r.delivered.Add(1)
		srv.metrics.RetainedDelivered.Inc()
		sink.Deliver(topicName, payload, qos, retained)
	})
	go func() {
		defer close(r.done)
		start := time.Now()
		ctx, cancel := context.WithTimeout(s.Context(), time.Duration(srv.cfg.MQTT.RetainedDeliveryTimeout))
		defer cancel()
		logger := srv.logger.With("client_id", s.ClientID(), "topic", sub.TopicFilter)

		store := srv.persistence.Retained()
		names := store.Match(sub.Filter)
		r.matched.Store(int64(len(names)))
		for i, name := range names {
			msg := store.Get(name)
			if msg == nil {
				// removed after the match
				continue
			}
			if msg.QoS > sub.QoS {
				msg.QoS = sub.QoS
			}
			msg.Retained = true
			msg.Dup = false
			msg.PacketID = 0
			r.pending.Add(1)
			err := s.EnqueueWait(ctx, &models.QueueElem{
				At:      time.Now(),
				Message: msg,
				Sink:    counted,
				OnDone:  r.pending.Done,
			})
			if err != nil {
				r.pending.Done()
				r.err = replayError(err)
				reason := metrics.ReasonReplayTimeout
				if errors.Is(r.err, errors.ErrSessionClosed) {
					reason = metrics.ReasonSessionClosed
				}
				srv.metrics.MessagesDropped.WithLabelValues(reason).Add(float64(len(names) - i))
				logger.Warn("retained replay stopped", "queued", r.queued.Load(), "dropped", len(names)-i, "err", r.err)
				break
			}
			r.queued.Add(1)
		}
		srv.metrics.ObserveReplay(start)
		srv.hooks.OnRetainedReplayed(s.ClientID(), sub.TopicFilter, int(r.queued.Load()), r.err)
		logger.Debug("retained replay queued", "matched", len(names), "queued", r.queued.Load(), "cost", time.Since(start))
		r.pending.Wait()
	}()
	return r
}

func replayError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// the session went away: closed queue or canceled session context
	return errors.Join(errors.ErrSessionClosed, err)
}
