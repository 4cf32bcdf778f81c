package consts

import "time"

type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	du, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(du)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Code is a MQTT 3.1.1 return code, carried by CONNACK and SUBACK.
type Code = byte

const (
	Success Code = 0x00
	// connack return codes
	V3UnacceptableProtocolVersion Code = 0x01
	V3IdentifierRejected          Code = 0x02
	V3ServerUnavailable           Code = 0x03
	V3BadUsernameOrPassword       Code = 0x04
	V3NotAuthorized               Code = 0x05
	// SubscribeFailure is the suback return code of a rejected filter.
	SubscribeFailure Code = 0x80
)

// Internal error classes. They never reach the wire of a 3.1.1 client,
// the connection is closed instead.
const (
	UnspecifiedError Code = 0x80
	MalformedPacket  Code = 0x81
	ProtocolError    Code = 0x82
	ServerBusy       Code = 0x89
	SessionTakenOver Code = 0x8E
	KeepAliveTimeout Code = 0x8D
	ServerShutdown   Code = 0x8B
	QoSNotSupported  Code = 0x9B
)
