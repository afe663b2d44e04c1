package broker

import (
	"bytes"
	"testing"

	"github.com/embermq/broker/internal/mqtt"
)

func connectClient(t *testing.T, b *Broker, clientID string, clean bool) *Client {
	t.Helper()
	c := newTestClient()
	if _, err := handleConnect(b, c, &mqtt.ConnectPacket{ClientID: clientID, CleanSession: clean}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	c.Conn.(*fakeConn).out.Reset()
	return c
}

func decodeAll(t *testing.T, c *Client) []mqtt.Packet {
	t.Helper()
	fc := c.Conn.(*fakeConn)
	r := bytes.NewReader(fc.out.Bytes())
	var pkts []mqtt.Packet
	for r.Len() > 0 {
		pkt, err := mqtt.Decode(r)
		if err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func TestPublishQoS0FansOutWithoutAck(t *testing.T) {
	b := newTestBroker()
	sub := connectClient(t, b, "sub", true)
	topic := b.index.GetOrCreate("a/b")
	topic.Subscribers["sub"] = &Subscriber{ClientID: "sub", QoS: 0}
	b.sessions["sub"] = sub.Session

	pub := connectClient(t, b, "pub", true)
	outcome, err := handlePublish(b, pub, &mqtt.PublishPacket{Topic: "a/b", QoS: 0, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeNoReply {
		t.Fatalf("expected OutcomeNoReply for QoS 0, got %v", outcome)
	}
	if len(decodeAll(t, pub)) != 0 {
		t.Fatal("publisher should receive no ack for QoS 0")
	}
	got := decodeAll(t, sub)
	if len(got) != 1 {
		t.Fatalf("expected subscriber to receive exactly one frame, got %d", len(got))
	}
	pp, ok := got[0].(*mqtt.PublishPacket)
	if !ok || string(pp.Payload) != "hi" {
		t.Fatalf("unexpected delivered packet: %#v", got[0])
	}
}

func TestPublishQoS1RepliesPuback(t *testing.T) {
	b := newTestBroker()
	pub := connectClient(t, b, "pub", true)

	outcome, err := handlePublish(b, pub, &mqtt.PublishPacket{Topic: "a/b", QoS: 1, PacketID: 42, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeReply {
		t.Fatalf("expected OutcomeReply, got %v", outcome)
	}
	got := decodeAll(t, pub)
	if len(got) != 1 {
		t.Fatalf("expected one PUBACK, got %d frames", len(got))
	}
	ack, ok := got[0].(*mqtt.PubackPacket)
	if !ok || ack.PacketID != 42 {
		t.Fatalf("expected PUBACK for packet 42, got %#v", got[0])
	}
}

func TestPublishQoS2DedupsDuplicateDeliveryButStillAcks(t *testing.T) {
	b := newTestBroker()
	sub := connectClient(t, b, "sub", true)
	topic := b.index.GetOrCreate("a/b")
	topic.Subscribers["sub"] = &Subscriber{ClientID: "sub", QoS: 0}
	b.sessions["sub"] = sub.Session

	pub := connectClient(t, b, "pub", true)
	msg := &mqtt.PublishPacket{Topic: "a/b", QoS: 2, PacketID: 7, Payload: []byte("hi")}

	if _, err := handlePublish(b, pub, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub.Conn.(*fakeConn).out.Reset()
	pub.Conn.(*fakeConn).out.Reset()

	// A retransmitted duplicate PUBLISH with the same packet identifier
	// must not re-publish to subscribers, only re-send PUBREC.
	if _, err := handlePublish(b, pub, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decodeAll(t, sub)) != 0 {
		t.Fatal("duplicate QoS 2 PUBLISH must not fan out to subscribers again")
	}
	got := decodeAll(t, pub)
	if len(got) != 1 {
		t.Fatalf("expected exactly one PUBREC, got %d frames", len(got))
	}
	if _, ok := got[0].(*mqtt.PubrecPacket); !ok {
		t.Fatalf("expected PUBREC, got %#v", got[0])
	}
}

func TestPublishRetainedDeliveredOnSubscribe(t *testing.T) {
	b := newTestBroker()
	pub := connectClient(t, b, "pub", true)
	if _, err := handlePublish(b, pub, &mqtt.PublishPacket{Topic: "a/b", QoS: 0, Retain: true, Payload: []byte("retained")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub := connectClient(t, b, "sub", true)
	b.sessions["sub"] = sub.Session
	if _, err := handleSubscribe(b, sub, &mqtt.SubscribePacket{PacketID: 1, Topics: []mqtt.Subscription{{Topic: "a/b", QoS: 0}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := decodeAll(t, sub)
	var sawRetained bool
	for _, f := range frames {
		if pp, ok := f.(*mqtt.PublishPacket); ok && string(pp.Payload) == "retained" {
			sawRetained = true
		}
	}
	if !sawRetained {
		t.Fatal("expected the retained message to be delivered alongside the SUBACK")
	}
}

func TestPublishRetainedDeliveredVerbatimNotDowngraded(t *testing.T) {
	b := newTestBroker()
	pub := connectClient(t, b, "pub", true)
	if _, err := handlePublish(b, pub, &mqtt.PublishPacket{Topic: "a/b", QoS: 1, PacketID: 1, Retain: true, Payload: []byte("retained")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub := connectClient(t, b, "sub", true)
	b.sessions["sub"] = sub.Session
	// Subscribing at QoS 0 must not down-grade the retained frame: it
	// goes out at the retained message's own QoS (here, 1).
	if _, err := handleSubscribe(b, sub, &mqtt.SubscribePacket{PacketID: 1, Topics: []mqtt.Subscription{{Topic: "a/b", QoS: 0}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var retained *mqtt.PublishPacket
	for _, f := range decodeAll(t, sub) {
		if pp, ok := f.(*mqtt.PublishPacket); ok && string(pp.Payload) == "retained" {
			retained = pp
		}
	}
	if retained == nil {
		t.Fatal("expected the retained message to be delivered")
	}
	if retained.QoS != 1 {
		t.Fatalf("expected retained delivery at QoS 1 (verbatim), got QoS %d", retained.QoS)
	}
	if retained.PacketID == 0 {
		t.Fatal("expected a non-zero packet identifier for a QoS>0 retained delivery")
	}
}

func TestPublishQoS1OfflineQueueAllocatesPacketIDAndInflightSlot(t *testing.T) {
	b := newTestBroker()
	sub := connectClient(t, b, "sub", false)
	b.sessions["sub"] = sub.Session
	topic := b.index.GetOrCreate("a/b")
	addOrUpdateSubscriber(topic, "sub", 1)

	// Take the subscriber offline without a clean session, as an abrupt
	// close would, so the message queues instead of fanning out live.
	sub.Session.Client = nil
	sub.Online = false

	pub := connectClient(t, b, "pub", true)
	if _, err := handlePublish(b, pub, &mqtt.PublishPacket{Topic: "a/b", QoS: 1, PacketID: 9, Payload: []byte("hi")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sub.Session.OutgoingMsgs) != 1 {
		t.Fatalf("expected exactly one queued message, got %d", len(sub.Session.OutgoingMsgs))
	}
	queued := sub.Session.OutgoingMsgs[0]
	if queued.PacketID == 0 {
		t.Fatal("expected the queued QoS 1 message to carry a non-zero packet identifier")
	}
	slot := &sub.Session.Inflight.OutMsgs[queued.PacketID]
	if !slot.InUse || slot.PacketID != queued.PacketID {
		t.Fatalf("expected an inflight OutMsgs slot recorded for packet id %d", queued.PacketID)
	}
}
