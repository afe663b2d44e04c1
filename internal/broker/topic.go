package broker

import "github.com/embermq/broker/internal/mqtt"

// Topic is a node in the Topic Index that has been referenced by a
// SUBSCRIBE or PUBLISH. Its canonical name ends with "/".
type Topic struct {
	Name        string
	Subscribers map[string]*Subscriber
	Retained    *mqtt.PublishPacket
}

// Subscriber is one client's interest in a Topic. Each topic holds its
// own Subscriber record per client; records are not shared across the
// topics one wildcard filter expands to. Refs counts how many times a
// SUBSCRIBE has added or refreshed this client's entry on this topic;
// nothing in this core reads it, and UNSUBSCRIBE removes the entry by
// exact topic regardless of Refs (see unsubscribe.go).
type Subscriber struct {
	ClientID string
	QoS      byte
	Refs     int
}

func newTopic(name string) *Topic {
	return &Topic{
		Name:        name,
		Subscribers: make(map[string]*Subscriber),
	}
}
