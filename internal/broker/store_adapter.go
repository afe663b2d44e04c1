package broker

import (
	"github.com/embermq/broker/internal/mqtt"
	"github.com/embermq/broker/internal/store"
)

// toStoreSession adapts a live Session plus its derived subscription
// list into the store package's persistence-facing shape. Kept
// separate from Session itself so internal/broker never has to shape
// its in-memory representation around what internal/store wants on
// the wire.
func toStoreSession(sess *Session, subs []store.Subscription) *store.Session {
	return &store.Session{
		ClientID:      sess.ClientID,
		CleanSession:  sess.CleanSession,
		Subscriptions: subs,
	}
}

// toStoreMessage adapts a queued PUBLISH into the store package's
// persistence-facing message shape.
func toStoreMessage(pkt *mqtt.PublishPacket) *store.Message {
	return &store.Message{
		Topic:   pkt.Topic,
		Payload: pkt.Payload,
		QoS:     pkt.QoS,
		Retain:  pkt.Retain,
	}
}
