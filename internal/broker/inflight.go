package broker

import (
	"strconv"
	"time"

	"github.com/embermq/broker/internal/mqtt"
)

// qosLabel renders a QoS level as the label InflightGauge's metric
// vector expects.
func qosLabel(qos byte) string {
	return strconv.Itoa(int(qos))
}

// maxPacketID is the largest usable 16-bit packet identifier.
// Identifier 0 is reserved (spec invariant I5: never used for QoS > 0
// PUBLISH frames) so slot 0 in every array below is simply unused.
const maxPacketID = 65535

// InflightMsg records one in-flight PUBLISH or its pending
// acknowledgement. Every field is stored by value or as a freshly
// allocated packet owned solely by this slot — never a pointer into a
// handler's stack frame — closing the "broken pointer" defect noted in
// spec §9.
type InflightMsg struct {
	InUse    bool
	PacketID uint16
	Publish  mqtt.PublishPacket
	Ack      mqtt.Packet
	Size     int
	SentAt   time.Time
}

// InflightTracker holds the three dense, packet-identifier-indexed
// arrays a single session/client needs (spec §3, §4.3):
//   - OutMsgs: outbound PUBLISH awaiting ack (i_msgs)
//   - OutAcks: the PUBREL sent for an outbound QoS-2 PUBLISH once its
//     PUBREC arrives, cleared by PUBCOMP (i_acks); no PUBACK or PUBREC
//     record is made here when the PUBLISH itself is sent
//   - InAcks: inbound QoS-2 PUBLISH that has been PUBREC'd and awaits
//     PUBREL (in_i_acks)
//
// Dense [65536]-slot arrays are ~2 MiB per client (spec §9: "acceptable
// ... but a large deployment should substitute a sparse map. Either
// choice satisfies the contract"); this implementation uses the dense
// form named explicitly in spec §4.3.
type InflightTracker struct {
	OutMsgs [maxPacketID + 1]InflightMsg
	OutAcks [maxPacketID + 1]InflightMsg
	InAcks  [maxPacketID + 1]InflightMsg

	cursor uint16
}

// NextFreeMID returns the next unused packet identifier in [1, 65535],
// advancing a wrapping cursor and skipping any identifier still in use
// in either OutMsgs or OutAcks. Returns (0, false) if every identifier
// is occupied (full saturation, spec §9's resolved open question: the
// caller drops the publish for this subscriber and logs/counts it).
func (t *InflightTracker) NextFreeMID() (uint16, bool) {
	for i := 0; i < maxPacketID; i++ {
		t.cursor++
		if t.cursor == 0 {
			t.cursor = 1
		}
		if !t.OutMsgs[t.cursor].InUse && !t.OutAcks[t.cursor].InUse {
			return t.cursor, true
		}
	}
	return 0, false
}
