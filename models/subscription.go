package models

import (
	"github.com/zhimiaox/zmqx-retain/topic"
)

// SubscribeResult is the result of Subscribe()
type SubscribeResult struct {
	// Subscription is the stored subscription.
	Subscription *Subscription
	// AlreadyExisted shows whether the session already held the same filter.
	// The new subscription replaced it.
	AlreadyExisted bool
}

// Subscription represents a subscription in broker.
type Subscription struct {
	// TopicFilter is the filter as the client sent it.
	TopicFilter string
	// Filter is the parsed TopicFilter.
	Filter topic.Filter
	// QoS is the granted qos level of the Subscription.
	QoS uint8
}

// Copy makes a copy of subscription.
func (s *Subscription) Copy() *Subscription {
	return &Subscription{
		TopicFilter: s.TopicFilter,
		Filter:      s.Filter,
		QoS:         s.QoS,
	}
}
