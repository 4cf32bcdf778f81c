package models

import (
	"time"
)

// QueueElem represents the element store in a session queue.
type QueueElem struct {
	// At represents the entry time.
	At time.Time
	// Message is delivered to Sink with the message qos and retain flag.
	Message *Message
	Sink    DeliverySink
	// OnDone, if set, runs once the element has left the queue, delivered or discarded.
	OnDone func()
}

// Deliver hands the message to the sink.
func (e *QueueElem) Deliver() {
	if e.Sink != nil && e.Message != nil {
		e.Sink.Deliver(e.Message.Topic, e.Message.Payload, e.Message.QoS, e.Message.Retained)
	}
	e.Done()
}

// Done marks the element as finished without delivering it.
func (e *QueueElem) Done() {
	if e.OnDone != nil {
		e.OnDone()
		e.OnDone = nil
	}
}
