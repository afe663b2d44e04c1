package broker

import (
	"fmt"

	"github.com/embermq/broker/internal/mqtt"
)

// Outcome is the handler return sentinel named in spec §4.4/§6:
// REPLY, NOREPLY, or CLIENT_DISCONNECT.
type Outcome int

const (
	OutcomeNoReply Outcome = iota
	OutcomeReply
	OutcomeDisconnect
)

// Handler processes one decoded packet for one client, mutating
// session/topic state and writing any reply directly to c.
type Handler func(b *Broker, c *Client, pkt mqtt.Packet) (Outcome, error)

// Router is the fixed dispatch table indexed by control-packet type
// (spec §4.4). It is the sole entry point state mutations flow
// through.
type Router struct {
	handlers map[mqtt.PacketType]Handler
}

// NewRouter builds the dispatch table for every control type this
// core understands. Types absent from the table are a protocol
// violation: the caller closes the connection.
func NewRouter() *Router {
	return &Router{
		handlers: map[mqtt.PacketType]Handler{
			mqtt.CONNECT:     handleConnect,
			mqtt.PUBLISH:     handlePublish,
			mqtt.PUBACK:      handlePuback,
			mqtt.PUBREC:      handlePubrec,
			mqtt.PUBREL:      handlePubrel,
			mqtt.PUBCOMP:     handlePubcomp,
			mqtt.SUBSCRIBE:   handleSubscribe,
			mqtt.UNSUBSCRIBE: handleUnsubscribe,
			mqtt.PINGREQ:     handlePingreq,
			mqtt.DISCONNECT:  handleDisconnect,
		},
	}
}

// Dispatch routes pkt to its handler, counting it as received first.
// An unrecognized type is a protocol violation (spec §4.4): the
// connection is closed with no reply.
func (r *Router) Dispatch(b *Broker, c *Client, pkt mqtt.Packet) (Outcome, error) {
	b.countRecv(pkt)

	h, ok := r.handlers[pkt.Type()]
	if !ok {
		return OutcomeDisconnect, fmt.Errorf("unsupported packet type %v from %s", pkt.Type(), clientLabel(c))
	}
	return h(b, c, pkt)
}

func clientLabel(c *Client) string {
	if c == nil || c.Session == nil {
		return "<unregistered>"
	}
	return c.Session.ClientID
}
