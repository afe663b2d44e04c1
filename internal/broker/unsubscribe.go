package broker

import (
	"github.com/embermq/broker/internal/mqtt"
	"github.com/embermq/broker/internal/store"
)

// handleUnsubscribe implements spec §4.5's UNSUBSCRIBE handling: unlike
// SUBSCRIBE, removal is always an exact topic lookup, never a wildcard
// expansion — a filter that was subscribed with "+"/"#" must be
// unsubscribed by naming each expanded topic individually, matching the
// original C handler's single sol_topic_get per filter.
func handleUnsubscribe(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.UnsubscribePacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	sess := c.Session

	for _, filter := range pkt.Topics {
		t, ok := b.index.Get(filter)
		if !ok {
			continue
		}
		if _, present := t.Subscribers[sess.ClientID]; present {
			delete(t.Subscribers, sess.ClientID)
			delete(sess.Subscriptions, t.Name)
			b.onMetrics.subscriptions(-1)
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

	ack := &mqtt.UnsubackPacket{PacketID: pkt.PacketID}
	if err := b.writeTo(c, ack); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}
