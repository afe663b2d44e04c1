package broker

import (
	"github.com/embermq/broker/internal/mqtt"
	"github.com/embermq/broker/internal/store"
)

// handleConnect implements spec §4.2 steps 1-8 for the CONNECT packet.
func handleConnect(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	pkt, ok := packet.(*mqtt.ConnectPacket)
	if !ok {
		return OutcomeDisconnect, ErrProtocolViolation
	}

	// A second CONNECT on a connection that already has a session is a
	// protocol violation (spec §7c).
	if c.Session != nil {
		return OutcomeDisconnect, ErrProtocolViolation
	}

	// Step 1: credential check when anonymous connections are disabled.
	if !b.cfg.AllowAnonymous {
		if !pkt.UsernameFlag || !pkt.PasswordFlag {
			return b.rejectConnect(c, ConnackBadUsernameOrPass)
		}
		if b.verifier == nil || !b.verifier.Verify(pkt.Username, string(pkt.Password)) {
			return b.rejectConnect(c, ConnackBadUsernameOrPass)
		}
	}

	clientID := pkt.ClientID

	// Step 2: empty client_id with a persistent session is not allowed.
	if clientID == "" && !pkt.CleanSession {
		return b.rejectConnect(c, ConnackNotAuthorized)
	}

	// Step 3: generate an id for a clean-session anonymous client.
	if clientID == "" {
		clientID = b.generateClientID()
	}

	// Step 4: a second CONNECT for an already-online client_id closes
	// the existing connection (MQTT 3.1.1 §3.1.4).
	if existing, ok := b.sessions[clientID]; ok && existing.Client != nil && existing.Client.Online {
		b.log.Info("duplicate CONNECT, disconnecting previous client", "client_id", clientID)
		b.closeClient(existing.Client)
		existing.Client = nil
	}

	sess, existed := b.sessions[clientID]
	if !existed {
		sess = newSession(clientID, pkt.CleanSession)
		b.sessions[clientID] = sess
	}
	sess.CleanSession = pkt.CleanSession
	sess.Client = c
	c.Session = sess
	c.Online = true

	// Step 5: flush queued messages for a resumed non-clean session.
	if !pkt.CleanSession && existed && len(sess.OutgoingMsgs) > 0 {
		for _, queued := range sess.OutgoingMsgs {
			if err := b.writeTo(c, queued); err != nil {
				b.log.Warn("failed flushing queued message", "client_id", clientID, "error", err)
				break
			}
		}
		sess.OutgoingMsgs = nil
	}

	// Step 6: stash the Will, and seed the retained payload if will_retain.
	if pkt.WillFlag {
		will := &mqtt.PublishPacket{
			QoS:     pkt.WillQoS,
			Retain:  pkt.WillRetain,
			Topic:   pkt.WillTopic,
			Payload: pkt.WillMessage,
		}
		sess.HasLWT = true
		sess.LWTMsg = will
		if pkt.WillRetain {
			topic := b.index.GetOrCreate(pkt.WillTopic)
			topic.Retained = will
		}
	}

	// Step 7: a clean session starts with no subscriptions or queue.
	if pkt.CleanSession {
		for _, topic := range sess.Subscriptions {
			delete(topic.Subscribers, clientID)
		}
		sess.Subscriptions = make(map[string]*Topic)
		sess.OutgoingMsgs = nil
	}

	if b.store != nil {
		subs := make([]store.Subscription, 0, len(sess.Subscriptions))
		for _, t := range sess.Subscriptions {
			if sub, ok := t.Subscribers[clientID]; ok {
				subs = append(subs, store.Subscription{Topic: t.Name, QoS: sub.QoS})
			}
		}
		if err := b.store.SaveSession(clientID, toStoreSession(sess, subs)); err != nil {
			b.log.Warn("failed persisting session", "client_id", clientID, "error", err)
		}
	}

	b.onMetrics.clientConnected(1)

	// Step 8: session_present is always 0 in this core (known gap, §9).
	ack := &mqtt.ConnackPacket{SessionPresent: false, ReturnCode: ConnackAccepted}
	if err := b.writeTo(c, ack); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}

func (b *Broker) rejectConnect(c *Client, rc byte) (Outcome, error) {
	ack := &mqtt.ConnackPacket{SessionPresent: false, ReturnCode: rc}
	_ = b.writeTo(c, ack)
	return OutcomeDisconnect, nil
}
