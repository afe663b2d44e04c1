package broker

import (
	"net"
	"sync"

	"github.com/embermq/broker/internal/mqtt"
)

// Session is the persistent half of a connected client's state (spec
// §3, §4.2): everything that survives a disconnect when
// clean_session is false. It is looked up by client_id and lives in
// Broker's session table for as long as the process runs, or until a
// clean-session client disconnects.
type Session struct {
	ClientID     string
	CleanSession bool

	// Subscriptions tracks topics this client is subscribed to, keyed
	// by canonical topic name, so DISCONNECT can remove the client
	// from each one when clean_session is true (spec §4.2).
	Subscriptions map[string]*Topic

	// OutgoingMsgs holds PUBLISH frames queued while this client was
	// offline with clean_session == false (spec I4); flushed on the
	// next successful CONNECT (spec §4.2 step 5).
	OutgoingMsgs []*mqtt.PublishPacket

	Inflight *InflightTracker

	HasLWT bool
	LWTMsg *mqtt.PublishPacket

	// Client is the live connection handle, nil while this session is
	// offline (non-clean session, disconnected).
	Client *Client
}

func newSession(clientID string, cleanSession bool) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		Subscriptions: make(map[string]*Topic),
		Inflight:      &InflightTracker{},
	}
}

// Client is the live half of a connected client: the socket and the
// write serialization around it (spec §3's conn_fd/wbuf/towrite,
// realized here as a direct net.Conn write under a mutex rather than a
// separate buffer — see SPEC_FULL.md §5).
type Client struct {
	Conn    net.Conn
	Session *Session

	writeMu sync.Mutex
	Online  bool
}

// NewClient wraps an accepted connection before its CONNECT has been
// processed; Session is attached once CONNECT succeeds.
func NewClient(conn net.Conn) *Client {
	return &Client{Conn: conn}
}

// Write serializes a single encoded frame onto the connection. Every
// write to a given client's socket goes through this method so that
// PUBLISH fan-out and ack replies never interleave mid-frame (spec
// §5's FIFO-per-destination guarantee).
func (c *Client) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write(frame)
	return err
}

// writePacket encodes and writes one packet to the client, returning
// the encoded frame's length for byte-level metrics.
func (c *Client) writePacket(p mqtt.Packet) (int, error) {
	frame, err := p.Encode()
	if err != nil {
		return 0, err
	}
	if err := c.Write(frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}
