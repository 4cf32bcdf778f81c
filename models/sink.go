package models

// DeliverySink is the subscriber side of a subscription. The owning session
// calls Deliver from a single goroutine, in queue order.
type DeliverySink interface {
	Deliver(topic string, payload []byte, qos uint8, retained bool)
}

// SinkFunc adapts a function to DeliverySink.
type SinkFunc func(topic string, payload []byte, qos uint8, retained bool)

func (f SinkFunc) Deliver(topic string, payload []byte, qos uint8, retained bool) {
	f(topic, payload, qos, retained)
}
