package broker

import "github.com/embermq/broker/internal/mqtt"

// handleDisconnect implements spec §4.2's DISCONNECT handling: a
// clean-session client is torn out of every topic it subscribed to;
// the Will is never published for a graceful disconnect. The I/O
// layer closes the connection per the returned sentinel.
func handleDisconnect(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	if c == nil || c.Session == nil {
		return OutcomeDisconnect, nil
	}
	sess := c.Session
	b.log.Debug("received DISCONNECT", "client_id", sess.ClientID)

	if sess.CleanSession {
		for _, topic := range sess.Subscriptions {
			delete(topic.Subscribers, sess.ClientID)
		}
		sess.Subscriptions = make(map[string]*Topic)
		if b.store != nil {
			if err := b.store.DeleteSession(sess.ClientID); err != nil {
				b.log.Warn("failed deleting session", "client_id", sess.ClientID, "error", err)
			}
		}
		delete(b.sessions, sess.ClientID)
	}

	sess.Client = nil
	c.Online = false
	b.onMetrics.clientConnected(-1)

	return OutcomeDisconnect, nil
}
