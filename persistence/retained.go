package persistence

import (
	"iter"

	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/topic"
)

// Retained is the interface used by the server and external logic to handle the operations of retained messages.
// Every topic holds at most one record. The implementation keeps the records and the
// filter matching index consistent with each other: a topic returned by Match was live
// when Match saw it, a later Get may still find it gone.
// Notice:
// This methods will not trigger any hooks.
type Retained interface {
	// Publish stores message as the retained record of its topic, replacing the previous one.
	// The record gets a fresh sequence number. An empty payload removes the record instead
	// and reports whether there was one.
	Publish(message *models.Message) (removed bool)
	// Remove removes the retained record of the topic name, it is a no-op when there is none.
	Remove(topicName string) (removed bool)
	// Get returns a copy of the record of the topic name, or nil.
	Get(topicName string) *models.Message
	// Match returns the topic names of all records that match the filter, in
	// lexicographic level order. Filters starting with a wildcard never return system topics.
	Match(filter topic.Filter) []string
	// Snapshot returns a point-in-time copy of every record ordered by sequence.
	Snapshot() iter.Seq[*models.Message]
	// Len returns the number of records.
	Len() int
}
