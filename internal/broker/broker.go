// Package broker implements the MQTT v3.1.1 protocol core: the
// state machine that turns decoded control packets into subscription
// mutations, retained-message updates, fan-out, and acknowledgement
// tracking. It has no knowledge of sockets beyond the Client write
// path; framing and the TCP event loop live in internal/transport.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/embermq/broker/internal/auth"
	"github.com/embermq/broker/internal/mqtt"
	"github.com/embermq/broker/internal/store"
)

// Config carries the small set of knobs the protocol core needs from
// internal/config without importing it directly, keeping broker
// decoupled from the YAML schema.
type Config struct {
	AllowAnonymous bool
	ClientIDPrefix string
	MaxInflight    int
}

// Broker is the single aggregate owning the Topic Index and the
// session table. Every state-mutating method is called exclusively
// from the goroutine running Run, which drains inbox; callers outside
// that goroutine only ever send events in (spec §5's single-writer
// discipline).
type Broker struct {
	cfg      Config
	verifier auth.Verifier
	store    store.Store
	log      *slog.Logger

	index    *TopicIndex
	sessions map[string]*Session
	router   *Router

	inbox chan inboundEvent

	messagesRecv atomic.Int64
	messagesSent atomic.Int64

	onMetrics BrokerMetrics
}

// BrokerMetrics is the narrow set of Prometheus-shaped callbacks the
// broker core drives without importing internal/metrics directly,
// mirroring how Verifier and Store are injected. A nil callback field is
// skipped rather than called; cmd/broker's promMetrics supplies the
// Prometheus-backed set that New is given.
type BrokerMetrics struct {
	MessageReceived func(packetType string)
	MessageSent     func(packetType string)
	BytesReceived   func(n int)
	BytesSent       func(n int)
	ClientConnected func(delta int)
	Subscriptions   func(delta int)
	RejectedFull    func(reason string)
	RetainedGauge   func(n int)
	TopicsGauge     func(n int)
	InflightGauge   func(qos string, delta int)
}

func (m BrokerMetrics) messageReceived(t string) {
	if m.MessageReceived != nil {
		m.MessageReceived(t)
	}
}
func (m BrokerMetrics) messageSent(t string) {
	if m.MessageSent != nil {
		m.MessageSent(t)
	}
}
func (m BrokerMetrics) bytesReceived(n int) {
	if m.BytesReceived != nil {
		m.BytesReceived(n)
	}
}
func (m BrokerMetrics) bytesSent(n int) {
	if m.BytesSent != nil {
		m.BytesSent(n)
	}
}
func (m BrokerMetrics) inflight(qos string, delta int) {
	if m.InflightGauge != nil {
		m.InflightGauge(qos, delta)
	}
}
func (m BrokerMetrics) clientConnected(delta int) {
	if m.ClientConnected != nil {
		m.ClientConnected(delta)
	}
}
func (m BrokerMetrics) subscriptions(delta int) {
	if m.Subscriptions != nil {
		m.Subscriptions(delta)
	}
}
func (m BrokerMetrics) rejectedFull(reason string) {
	if m.RejectedFull != nil {
		m.RejectedFull(reason)
	}
}

// New constructs a Broker. verifier and st may be nil; a nil verifier
// is treated as reject-all for non-anonymous connects, a nil store
// disables write-through persistence entirely (the core remains fully
// correct for the lifetime of the process either way, per spec §1's
// non-goal on persistence beyond process lifetime).
func New(cfg Config, verifier auth.Verifier, st store.Store, logger *slog.Logger, metrics BrokerMetrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		cfg:      cfg,
		verifier: verifier,
		store:    st,
		log:      logger,
		index:    NewTopicIndex(),
		sessions: make(map[string]*Session),
		inbox:    make(chan inboundEvent, 256),
		onMetrics: metrics,
	}
	b.router = NewRouter()
	return b
}

type eventKind int

const (
	eventPacket eventKind = iota
	eventAbruptClose
)

type inboundEvent struct {
	kind   eventKind
	client *Client
	pkt    mqtt.Packet
}

// Submit hands a decoded packet from an I/O goroutine to the protocol
// worker. It is the concrete realization of spec §5's handoff queue.
func (b *Broker) Submit(c *Client, pkt mqtt.Packet) {
	b.inbox <- inboundEvent{kind: eventPacket, client: c, pkt: pkt}
}

// NotifyAbruptClose tells the protocol worker a connection went away
// without a graceful DISCONNECT (read error or EOF), triggering Will
// dispatch (SPEC_FULL.md's supplemented LWT-on-abrupt-close feature).
func (b *Broker) NotifyAbruptClose(c *Client) {
	b.inbox <- inboundEvent{kind: eventAbruptClose, client: c}
}

// Run drains the inbox until ctx is cancelled, dispatching every event
// to its handler. Exactly one goroutine must call Run.
func (b *Broker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.inbox:
			b.dispatch(ev)
		}
	}
}

func (b *Broker) dispatch(ev inboundEvent) {
	switch ev.kind {
	case eventAbruptClose:
		b.handleAbruptClose(ev.client)
	case eventPacket:
		outcome, err := b.router.Dispatch(b, ev.client, ev.pkt)
		if err != nil {
			b.log.Warn("handler error", "packet_type", ev.pkt.Type().String(), "error", err)
		}
		if outcome == OutcomeDisconnect {
			b.closeClient(ev.client)
		}
	}
}

// closeClient closes the socket; DISCONNECT/protocol-violation paths
// funnel through here so the connection is torn down exactly once.
func (b *Broker) closeClient(c *Client) {
	if c == nil {
		return
	}
	c.Online = false
	_ = c.Conn.Close()
	b.onMetrics.clientConnected(-1)
}

// handleAbruptClose publishes a stored Will (if any) and marks the
// session offline, without removing clean_session subscriptions (that
// only happens on a graceful DISCONNECT per spec §4.2).
func (b *Broker) handleAbruptClose(c *Client) {
	if c == nil || c.Session == nil {
		return
	}
	sess := c.Session
	sess.Client = nil
	c.Online = false
	b.onMetrics.clientConnected(-1)

	if sess.HasLWT && sess.LWTMsg != nil {
		will := *sess.LWTMsg
		b.log.Info("dispatching will on abrupt close", "client_id", sess.ClientID, "topic", will.Topic)
		b.PublishMessage(will.Topic, &will)
	}
}

// RefreshTopicMetrics snapshots the Topic Index into the topics and
// retained-message gauges. Meant to be called periodically (e.g. from
// a ticker in cmd/broker) rather than on every publish, avoiding an
// O(topics) walk on the hot path.
func (b *Broker) RefreshTopicMetrics() {
	topics, retained := b.index.Stats()
	if b.onMetrics.TopicsGauge != nil {
		b.onMetrics.TopicsGauge(topics)
	}
	if b.onMetrics.RetainedGauge != nil {
		b.onMetrics.RetainedGauge(retained)
	}
}

func (b *Broker) generateClientID() string {
	return fmt.Sprintf("%s-%d", b.cfg.ClientIDPrefix, time.Now().UnixMicro())
}

// MessagesReceived and MessagesSent give read access to the plain
// atomic received/sent packet counters (spec §6).
func (b *Broker) MessagesReceived() int64 { return b.messagesRecv.Load() }
func (b *Broker) MessagesSent() int64     { return b.messagesSent.Load() }

// countRecv counts one inbound packet, including its wire size when it
// can be cheaply recovered by re-encoding (every decoded packet type
// round-trips through the same Encode its sender used).
func (b *Broker) countRecv(pkt mqtt.Packet) {
	b.messagesRecv.Add(1)
	b.onMetrics.messageReceived(pkt.Type().String())
	if frame, err := pkt.Encode(); err == nil {
		b.onMetrics.bytesReceived(len(frame))
	}
}

func (b *Broker) countSent(pt mqtt.PacketType, n int) {
	b.messagesSent.Add(1)
	b.onMetrics.messageSent(pt.String())
	b.onMetrics.bytesSent(n)
}

// writeTo encodes and sends a packet to c, counting it as sent.
func (b *Broker) writeTo(c *Client, p mqtt.Packet) error {
	n, err := c.writePacket(p)
	if err != nil {
		return err
	}
	b.countSent(p.Type(), n)
	return nil
}
