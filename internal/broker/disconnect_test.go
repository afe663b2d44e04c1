package broker

import (
	"testing"

	"github.com/embermq/broker/internal/mqtt"
)

func TestDisconnectCleanSessionTearsDownSubscriptions(t *testing.T) {
	b := newTestBroker()
	c := connectClient(t, b, "client-1", true)
	b.sessions["client-1"] = c.Session

	topic := b.index.GetOrCreate("a/b")
	addOrUpdateSubscriber(topic, "client-1", 0)
	c.Session.Subscriptions[topic.Name] = topic

	outcome, err := handleDisconnect(b, c, &mqtt.DisconnectPacket{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDisconnect {
		t.Fatalf("expected OutcomeDisconnect, got %v", outcome)
	}
	if _, present := topic.Subscribers["client-1"]; present {
		t.Fatal("expected clean-session DISCONNECT to remove the subscriber from the topic")
	}
	if _, present := b.sessions["client-1"]; present {
		t.Fatal("expected clean-session DISCONNECT to remove the session from the broker")
	}
	if c.Online {
		t.Fatal("expected client to be marked offline")
	}
}

func TestDisconnectPersistentSessionLeavesSubscriptionsIntact(t *testing.T) {
	b := newTestBroker()
	c := connectClient(t, b, "client-1", false)
	b.sessions["client-1"] = c.Session

	topic := b.index.GetOrCreate("a/b")
	addOrUpdateSubscriber(topic, "client-1", 0)
	c.Session.Subscriptions[topic.Name] = topic

	if _, err := handleDisconnect(b, c, &mqtt.DisconnectPacket{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, present := topic.Subscribers["client-1"]; !present {
		t.Fatal("expected persistent-session DISCONNECT to leave the subscription intact")
	}
	if _, present := b.sessions["client-1"]; !present {
		t.Fatal("expected persistent-session DISCONNECT to keep the session in the broker")
	}
}

func TestAbruptCloseDispatchesWillButKeepsSubscriptions(t *testing.T) {
	b := newTestBroker()
	sub := connectClient(t, b, "sub", true)
	topic := b.index.GetOrCreate("will/topic")
	addOrUpdateSubscriber(topic, "sub", 0)
	b.sessions["sub"] = sub.Session

	c := connectClient(t, b, "client-1", true)
	b.sessions["client-1"] = c.Session
	c.Session.HasLWT = true
	c.Session.LWTMsg = &mqtt.PublishPacket{Topic: "will/topic", QoS: 0, Payload: []byte("bye")}
	ownTopic := b.index.GetOrCreate("own/topic")
	addOrUpdateSubscriber(ownTopic, "client-1", 0)
	c.Session.Subscriptions[ownTopic.Name] = ownTopic

	b.handleAbruptClose(c)

	if c.Online {
		t.Fatal("expected client to be marked offline after abrupt close")
	}
	if _, present := ownTopic.Subscribers["client-1"]; !present {
		t.Fatal("expected abrupt close to leave subscriptions intact (unlike graceful DISCONNECT)")
	}

	frames := decodeAll(t, sub)
	var sawWill bool
	for _, f := range frames {
		if pp, ok := f.(*mqtt.PublishPacket); ok && string(pp.Payload) == "bye" {
			sawWill = true
		}
	}
	if !sawWill {
		t.Fatal("expected the Will message to be published to subscribers on abrupt close")
	}
}
