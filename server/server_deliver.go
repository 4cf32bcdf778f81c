package server

import (
	"time"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/metrics"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/session"
	"github.com/zhimiaox/zmqx-retain/topic"
)

// deliver fans a live message out to the current subscribers. A session with
// several matching subscriptions gets the message once, through the one with
// the highest qos.
type deliver struct {
	mq  maxQos
	now time.Time
	msg *models.Message
	srv *server
}

// maxQos records the maximum qos subscriber of every matched session.
type maxQos map[*session.Session]*session.Subscriber

func (srv *server) deliver(name topic.Name, msg *models.Message) (matched bool) {
	d := &deliver{
		mq:  make(maxQos),
		msg: msg,
		srv: srv,
		now: time.Now(),
	}
	srv.registry.Match(name, func(sub *session.Subscriber) bool {
		if cur := d.mq[sub.Session]; cur == nil || cur.Subscription.QoS < sub.Subscription.QoS {
			d.mq[sub.Session] = sub
		}
		return true
	})
	for _, sub := range d.mq {
		d.addMsgToQueue(sub, d.msg.Copy())
	}
	return len(d.mq) > 0
}

// addMsgToQueue never blocks, a full queue drops the message for that session only.
func (d *deliver) addMsgToQueue(sub *session.Subscriber, msg *models.Message) {
	clientID := sub.Session.ClientID()
	d.srv.logger.Debug("消息入列",
		"client_id", clientID,
		"msg_topic", msg.Topic,
		"msg_qos", msg.QoS,
		"sub_topic", sub.Subscription.TopicFilter,
		"sub_qos", sub.Subscription.QoS)
	if msg.QoS > sub.Subscription.QoS {
		msg.QoS = sub.Subscription.QoS
	}
	msg.Dup = false
	msg.PacketID = 0
	// live deliveries never carry the retain flag
	msg.Retained = false
	if err := sub.Session.Enqueue(msg, sub.Sink); err != nil {
		reason := metrics.ReasonQueueFull
		if errors.Is(err, errors.QueueClosed) {
			reason = metrics.ReasonSessionClosed
		}
		d.srv.metrics.Dropped(reason)
		d.srv.hooks.OnMsgDropped(clientID, msg, err)
		d.srv.logger.Warn("message dropped", "client_id", clientID, "topic", msg.Topic, "err", err)
	}
}
