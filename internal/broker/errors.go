package broker

import "errors"

// CONNACK return codes (spec §6; MQTT 3.1.1 §3.2.2.3).
const (
	ConnackAccepted          byte = 0
	ConnackBadUsernameOrPass byte = 4
	ConnackNotAuthorized     byte = 5
)

var (
	// ErrProtocolViolation marks a packet that is well-formed at the
	// codec layer but violates a protocol rule (spec §7c): empty
	// topic, QoS 3, a second CONNECT, etc. The router closes the
	// connection without further reply.
	ErrProtocolViolation = errors.New("broker: protocol violation")
)
