package broker

import (
	"bytes"
	"testing"

	"github.com/embermq/broker/internal/mqtt"
)

func connackFrom(t *testing.T, c *Client) *mqtt.ConnackPacket {
	t.Helper()
	fc := c.Conn.(*fakeConn)
	pkt, err := mqtt.Decode(bytes.NewReader(fc.out.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	ack, ok := pkt.(*mqtt.ConnackPacket)
	if !ok {
		t.Fatalf("expected CONNACK, got %T", pkt)
	}
	return ack
}

func TestHandleConnectAcceptsAnonymous(t *testing.T) {
	b := newTestBroker()
	c := newTestClient()

	outcome, err := handleConnect(b, c, &mqtt.ConnectPacket{ClientID: "client-1", CleanSession: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeReply {
		t.Fatalf("expected OutcomeReply, got %v", outcome)
	}
	if ack := connackFrom(t, c); ack.ReturnCode != ConnackAccepted {
		t.Fatalf("expected accepted, got return code %d", ack.ReturnCode)
	}
	if !c.Online {
		t.Fatal("expected client to be marked online")
	}
}

func TestHandleConnectRejectsBadCredentials(t *testing.T) {
	b := New(Config{AllowAnonymous: false}, nil, nil, nil, BrokerMetrics{})
	c := newTestClient()

	outcome, _ := handleConnect(b, c, &mqtt.ConnectPacket{
		ClientID:     "client-1",
		CleanSession: true,
		UsernameFlag: true,
		PasswordFlag: true,
		Username:     "someone",
		Password:     []byte("wrong"),
	})
	if outcome != OutcomeDisconnect {
		t.Fatalf("expected OutcomeDisconnect, got %v", outcome)
	}
	if ack := connackFrom(t, c); ack.ReturnCode != ConnackBadUsernameOrPass {
		t.Fatalf("expected bad username/password, got %d", ack.ReturnCode)
	}
}

func TestHandleConnectRejectsEmptyClientIDWithPersistentSession(t *testing.T) {
	b := newTestBroker()
	c := newTestClient()

	outcome, _ := handleConnect(b, c, &mqtt.ConnectPacket{ClientID: "", CleanSession: false})
	if outcome != OutcomeDisconnect {
		t.Fatalf("expected OutcomeDisconnect, got %v", outcome)
	}
	if ack := connackFrom(t, c); ack.ReturnCode != ConnackNotAuthorized {
		t.Fatalf("expected not authorized, got %d", ack.ReturnCode)
	}
}

func TestHandleConnectDuplicateClientIDDisconnectsPrevious(t *testing.T) {
	b := newTestBroker()
	first := newTestClient()
	if _, err := handleConnect(b, first, &mqtt.ConnectPacket{ClientID: "dup", CleanSession: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := newTestClient()
	if _, err := handleConnect(b, second, &mqtt.ConnectPacket{ClientID: "dup", CleanSession: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Online {
		t.Fatal("expected the first client's connection to be closed")
	}
	if !second.Online {
		t.Fatal("expected the second client to be online")
	}
}

func TestHandleConnectCleanSessionClearsPriorSubscriptions(t *testing.T) {
	b := newTestBroker()
	c := newTestClient()
	if _, err := handleConnect(b, c, &mqtt.ConnectPacket{ClientID: "client-1", CleanSession: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	topic := b.index.GetOrCreate("a/b")
	c.Session.Subscriptions["a/b/"] = topic
	topic.Subscribers["client-1"] = &Subscriber{ClientID: "client-1", QoS: 0}

	c2 := newTestClient()
	if _, err := handleConnect(b, c2, &mqtt.ConnectPacket{ClientID: "client-1", CleanSession: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(c2.Session.Subscriptions) != 0 {
		t.Fatalf("expected clean session to clear subscriptions, got %d", len(c2.Session.Subscriptions))
	}
	if _, present := topic.Subscribers["client-1"]; present {
		t.Fatal("expected clean session to remove the client from the topic's subscriber set")
	}
}
