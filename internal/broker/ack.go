package broker

import "github.com/embermq/broker/internal/mqtt"

// handlePuback clears the outbound slot for a QoS-1 PUBLISH this broker
// sent; the handshake ends here (spec §4.3).
func handlePuback(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.PubackPacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	slot := &c.Session.Inflight.OutMsgs[pkt.PacketID]
	if slot.InUse {
		b.onMetrics.inflight(qosLabel(slot.Publish.QoS), -1)
		*slot = InflightMsg{}
	}
	return OutcomeNoReply, nil
}

// handlePubrec advances a QoS-2 PUBLISH this broker sent from OutMsgs to
// OutAcks and replies PUBREL (spec §4.3's PUBREC→PUBREL promotion). The
// message stays counted as in-flight across the move — the gauge tracks
// "not yet fully acknowledged", not which array currently holds it; the
// final decrement happens in handlePubcomp.
func handlePubrec(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.PubrecPacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	out := &c.Session.Inflight.OutMsgs[pkt.PacketID]
	if out.InUse {
		*out = InflightMsg{}
	}
	rel := &mqtt.PubrelPacket{PacketID: pkt.PacketID}
	ack := &c.Session.Inflight.OutAcks[pkt.PacketID]
	ack.InUse = true
	ack.PacketID = pkt.PacketID
	ack.Ack = rel
	if err := b.writeTo(c, rel); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}

// handlePubrel closes the inbound half of a QoS-2 PUBLISH this broker
// received: clears InAcks and replies PUBCOMP.
func handlePubrel(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.PubrelPacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	in := &c.Session.Inflight.InAcks[pkt.PacketID]
	if in.InUse {
		b.onMetrics.inflight("2", -1)
		*in = InflightMsg{}
	}
	comp := &mqtt.PubcompPacket{PacketID: pkt.PacketID}
	if err := b.writeTo(c, comp); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}

// handlePubcomp closes the outbound half of a QoS-2 PUBLISH this broker
// sent: clears OutAcks, no reply.
func handlePubcomp(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.PubcompPacket)
	if !ok || c.Session == nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}
	slot := &c.Session.Inflight.OutAcks[pkt.PacketID]
	if slot.InUse {
		b.onMetrics.inflight("2", -1)
		*slot = InflightMsg{}
	}
	return OutcomeNoReply, nil
}
