package broker

import (
	"strings"

	"github.com/embermq/broker/internal/mqtt"
	"github.com/embermq/broker/internal/store"
)

// handleSubscribe implements spec §4.5's SUBSCRIBE handling. A filter
// containing "+" or "#" is expanded against every matching topic
// already known to the index (Topic Index §4.1's PrefixMap); an exact
// filter is looked up (and created if new). Every matched topic gets
// the client added as a Subscriber at the requested QoS, and any
// retained message on that topic is delivered immediately, before the
// SUBACK (MQTT 3.1.1 §3.8.4).
func handleSubscribe(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.SubscribePacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	sess := c.Session
	codes := make([]byte, len(pkt.Topics))

	for i, sub := range pkt.Topics {
		if sub.QoS > 2 {
			codes[i] = 0x80
			continue
		}
		codes[i] = sub.QoS

		match := func(t *Topic) {
			addOrUpdateSubscriber(t, sess.ClientID, sub.QoS)
			sess.Subscriptions[t.Name] = t
			b.onMetrics.subscriptions(1)
			if t.Retained != nil {
				b.deliverRetainedToClient(sess, t.Retained)
			}
		}

		if strings.ContainsAny(sub.Topic, "+#") {
			b.index.PrefixMap(sub.Topic, match)
		} else {
			match(b.index.GetOrCreate(sub.Topic))
		}
	}

	if b.store != nil {
		subs := make([]store.Subscription, 0, len(sess.Subscriptions))
		for _, t := range sess.Subscriptions {
			if s, ok := t.Subscribers[sess.ClientID]; ok {
				subs = append(subs, store.Subscription{Topic: t.Name, QoS: s.QoS})
			}
		}
		if err := b.store.SaveSession(sess.ClientID, toStoreSession(sess, subs)); err != nil {
			b.log.Warn("failed persisting session", "client_id", sess.ClientID, "error", err)
		}
	}

	ack := &mqtt.SubackPacket{PacketID: pkt.PacketID, ReturnCodes: codes}
	if err := b.writeTo(c, ack); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}

// addOrUpdateSubscriber records clientID's interest in t at qos,
// bumping Refs and taking the new QoS whenever a SUBSCRIBE touches a
// topic the client is already subscribed to (spec §4.1's
// Subscriber.Refs).
func addOrUpdateSubscriber(t *Topic, clientID string, qos byte) {
	if sub, ok := t.Subscribers[clientID]; ok {
		sub.QoS = qos
		sub.Refs++
		return
	}
	t.Subscribers[clientID] = &Subscriber{ClientID: clientID, QoS: qos, Refs: 1}
}
