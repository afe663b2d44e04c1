package broker

import "github.com/embermq/broker/internal/mqtt"

// handlePingreq replies PINGRESP; the keepalive timer itself lives in
// internal/transport, which resets its deadline on every frame read.
func handlePingreq(b *Broker, c *Client, packet mqtt.Packet) (Outcome, error) {
	if err := b.writeTo(c, &mqtt.PingrespPacket{}); err != nil {
		return OutcomeDisconnect, err
	}
	return OutcomeReply, nil
}
