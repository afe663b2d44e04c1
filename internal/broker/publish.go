package broker

import (
	"time"

	"github.com/embermq/broker/internal/mqtt"
)

// handlePublish implements spec §4.5's inbound PUBLISH handling: QoS 0
// fans out and is done, QoS 1 fans out then PUBACKs, and QoS 2 dedups
// on the sender's own packet identifier before fanning out — a
// duplicate PUBLISH while the identifier is still in RECEIVED state
// MUST NOT re-publish to subscribers, it only re-sends PUBREC (spec
// §4.5, an explicit fix over the original C handler, which republishes
// unconditionally on every PUBLISH).
func handlePublish(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.PublishPacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	if pkt.Topic == "" || pkt.QoS > 2 {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	sess := c.Session

	switch pkt.QoS {
	case 0:
		b.PublishMessage(pkt.Topic, pkt)
		return OutcomeNoReply, nil

	case 1:
		b.PublishMessage(pkt.Topic, pkt)
		if err := b.writeTo(c, &mqtt.PubackPacket{PacketID: pkt.PacketID}); err != nil {
			return OutcomeDisconnect, err
		}
		return OutcomeReply, nil

	default: // QoS 2
		entry := &sess.Inflight.InAcks[pkt.PacketID]
		if !entry.InUse {
			entry.InUse = true
			entry.PacketID = pkt.PacketID
			entry.Publish = *pkt
			entry.SentAt = time.Now()
			b.onMetrics.inflight("2", 1)
			b.PublishMessage(pkt.Topic, pkt)
		}
		if err := b.writeTo(c, &mqtt.PubrecPacket{PacketID: pkt.PacketID}); err != nil {
			return OutcomeDisconnect, err
		}
		return OutcomeReply, nil
	}
}

// PublishMessage is the fan-out engine named in spec §4.5: it stores the
// retained payload if requested, then delivers to every subscriber of
// topicName at that subscriber's negotiated QoS. Called both from
// handlePublish and from handleAbruptClose for Will dispatch.
func (b *Broker) PublishMessage(topicName string, pkt *mqtt.PublishPacket) {
	topic := b.index.GetOrCreate(topicName)
	if pkt.Retain {
		stored := *pkt
		topic.Retained = &stored
	}
	for clientID, sub := range topic.Subscribers {
		sess, ok := b.sessions[clientID]
		if !ok {
			continue
		}
		b.deliverToClient(sess, sub.QoS, pkt)
	}
}

// deliverToClient sends src to one subscriber at min(src.QoS, subQoS)
// (spec §4.5's per-subscriber QoS downgrade).
func (b *Broker) deliverToClient(sess *Session, subQoS byte, src *mqtt.PublishPacket) {
	if sess == nil {
		return
	}
	qos := src.QoS
	if subQoS < qos {
		qos = subQoS
	}
	b.deliver(sess, qos, src)
}

// deliverRetainedToClient sends the retained frame on a fresh SUBSCRIBE
// at its own QoS, never down-graded to the subscription's requested
// QoS — spec §4.5 is explicit that retained payloads go out verbatim
// (MQTT 3.1.1 §3.3.1.1), matching the original handler's unconditional
// memcpy of the stored frame (handlers.c).
func (b *Broker) deliverRetainedToClient(sess *Session, src *mqtt.PublishPacket) {
	if sess == nil {
		return
	}
	b.deliver(sess, src.QoS, src)
}

// deliver sends src to sess at qos. An offline, non-clean session
// queues the message (spec invariant I4); an offline clean-session
// subscriber simply drops it, since its subscriptions only survive an
// abrupt disconnect, never a graceful one. A QoS > 0 delivery claims a
// packet identifier from the recipient's own InflightTracker up front
// — before queuing or writing — so a queued message never sits with
// packet identifier 0 (invariant I5) and always has a matching
// OutMsgs slot for the eventual PUBACK/PUBREC to clear, online or not.
// Saturation drops the message for this one subscriber (spec §9's
// resolved open question).
func (b *Broker) deliver(sess *Session, qos byte, src *mqtt.PublishPacket) {
	client := sess.Client
	online := client != nil && client.Online
	if !online && sess.CleanSession {
		return
	}

	out := &mqtt.PublishPacket{
		QoS:     qos,
		Retain:  src.Retain,
		Topic:   src.Topic,
		Payload: src.Payload,
	}

	if qos > 0 {
		mid, ok := sess.Inflight.NextFreeMID()
		if !ok {
			b.onMetrics.rejectedFull("inflight_full")
			b.log.Warn("inflight table full, dropping publish", "client_id", sess.ClientID, "topic", src.Topic)
			return
		}
		out.PacketID = mid
		slot := &sess.Inflight.OutMsgs[mid]
		slot.InUse = true
		slot.PacketID = mid
		slot.Publish = *out
		slot.SentAt = time.Now()
		slot.Size = len(out.Payload)
		b.onMetrics.inflight(qosLabel(qos), 1)
	}

	if !online {
		sess.OutgoingMsgs = append(sess.OutgoingMsgs, out)
		if b.store != nil {
			if err := b.store.EnqueueMessage(sess.ClientID, toStoreMessage(out)); err != nil {
				b.log.Warn("failed enqueuing offline message", "client_id", sess.ClientID, "error", err)
			}
		}
		return
	}

	if err := b.writeTo(client, out); err != nil {
		b.log.Warn("failed delivering publish", "client_id", sess.ClientID, "error", err)
	}
}
