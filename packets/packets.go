// Package packets encodes and decodes MQTT 3.1 and 3.1.1 control packets.
package packets

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/topic"
)

// Version is the protocol level carried by CONNECT.
type Version = byte

const (
	Version31  Version = 0x03
	Version311 Version = 0x04
)

var version2protoName = map[Version][]byte{
	Version31:  []byte("MQIsdp"),
	Version311: []byte("MQTT"),
}

// IsVersion3X reports whether v is a protocol level this package can decode.
func IsVersion3X(v Version) bool {
	return v == Version31 || v == Version311
}

type PacketID = uint16

const (
	MinPacketID PacketID = 1
	MaxPacketID PacketID = 65535
)

type QoS = uint8

const (
	Qos0 QoS = iota
	Qos1
	Qos2
)

// control packet types
const (
	RESERVED byte = iota
	CONNECT
	CONNACK
	PUBLISH
	PUBACK
	PUBREC
	PUBREL
	PUBCOMP
	SUBSCRIBE
	SUBACK
	UNSUBSCRIBE
	UNSUBACK
	PINGREQ
	PINGRESP
	DISCONNECT
)

// fixed header flags
const (
	FlagReserved    = 0
	FlagSubscribe   = 2
	FlagUnsubscribe = 2
)

// MaxSize is the largest remaining length the variable byte integer can express.
const MaxSize = 268435455

// Packet is a MQTT control packet.
type Packet interface {
	// Pack encodes the packet struct into bytes and writes it into io.Writer.
	Pack(w io.Writer) error
	// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
	Unpack(r io.Reader) error
	String() string
}

// FixHeader represents the fixed header of every control packet.
type FixHeader struct {
	PacketType   byte
	Flags        byte
	RemainLength int
}

// Pack writes the fixed header into w.
func (fh *FixHeader) Pack(w io.Writer) error {
	if fh.RemainLength > MaxSize {
		return errors.ErrMalformed
	}
	b := append([]byte{fh.PacketType<<4 | fh.Flags}, encodeRemainLength(fh.RemainLength)...)
	_, err := w.Write(b)
	return err
}

// Reader reads control packets from a connection. The protocol version is
// learnt from the first CONNECT it reads.
type Reader struct {
	bufr          *bufio.Reader
	version       Version
	maxPacketSize uint32
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{bufr: br, version: Version311}
	}
	return &Reader{bufr: bufio.NewReaderSize(r, 2048), version: Version311}
}

// SetMaxPacketSize limits the remaining length of incoming packets. 0 disables the limit.
func (r *Reader) SetMaxPacketSize(n uint32) {
	r.maxPacketSize = n
}

// ReadPacket reads one control packet.
func (r *Reader) ReadPacket() (Packet, error) {
	first, err := r.bufr.ReadByte()
	if err != nil {
		return nil, err
	}
	fh := &FixHeader{PacketType: first >> 4, Flags: first & 0x0f}
	if fh.RemainLength, err = decodeRemainLength(r.bufr); err != nil {
		return nil, err
	}
	if r.maxPacketSize != 0 && uint32(fh.RemainLength) > r.maxPacketSize {
		return nil, errors.ErrMalformed
	}
	var p Packet
	switch fh.PacketType {
	case CONNECT:
		var conn *Connect
		if conn, err = NewConnectPacket(fh, r.bufr); err == nil {
			r.version = conn.Version
			p = conn
		}
	case CONNACK:
		p, err = NewConnackPacket(fh, r.bufr)
	case PUBLISH:
		p, err = NewPublishPacket(fh, r.version, r.bufr)
	case PUBACK:
		p, err = NewPubackPacket(fh, r.bufr)
	case SUBSCRIBE:
		p, err = NewSubscribePacket(fh, r.version, r.bufr)
	case SUBACK:
		p, err = NewSubackPacket(fh, r.bufr)
	case UNSUBSCRIBE:
		p, err = NewUnsubscribePacket(fh, r.version, r.bufr)
	case UNSUBACK:
		p, err = NewUnsubackPacket(fh, r.bufr)
	case PINGREQ:
		p, err = NewPingreqPacket(fh, r.bufr)
	case PINGRESP:
		p, err = NewPingrespPacket(fh, r.bufr)
	case DISCONNECT:
		p, err = NewDisconnectPacket(fh, r.bufr)
	default:
		// PUBREC, PUBREL, PUBCOMP belong to the exactly-once flow which is not served.
		return nil, errors.ErrProtocol
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Writer writes control packets into a buffered connection.
type Writer struct {
	bufw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{bufw: bw}
	}
	return &Writer{bufw: bufio.NewWriterSize(w, 2048)}
}

// WritePacket writes the packet into the buffer without flushing.
func (w *Writer) WritePacket(packet Packet) error {
	return packet.Pack(w.bufw)
}

func (w *Writer) Flush() error {
	return w.bufw.Flush()
}

// WriteAndFlush writes and flushes the packet.
func (w *Writer) WriteAndFlush(packet Packet) error {
	if err := packet.Pack(w.bufw); err != nil {
		return err
	}
	return w.bufw.Flush()
}

// Buffered returns the number of bytes waiting for Flush.
func (w *Writer) Buffered() int {
	return w.bufw.Buffered()
}

func encodeRemainLength(length int) []byte {
	var result []byte
	if length == 0 {
		return []byte{0}
	}
	for length > 0 {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		result = append(result, digit)
	}
	return result
}

func decodeRemainLength(r io.ByteReader) (int, error) {
	var (
		value      int
		multiplier = 1
	)
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errors.ErrMalformed
}

func readUint16(r *bytes.Buffer) (uint16, error) {
	if r.Len() < 2 {
		return 0, errors.ErrMalformed
	}
	return binary.BigEndian.Uint16(r.Next(2)), nil
}

func writeUint16(w *bytes.Buffer, i uint16) {
	w.WriteByte(byte(i >> 8))
	w.WriteByte(byte(i))
}

// readUTF8String reads a length-prefixed string. mustUTF8 enforces the
// well-formedness rules of [MQTT-1.5.3].
func readUTF8String(mustUTF8 bool, r *bytes.Buffer) ([]byte, error) {
	length, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, errors.ErrMalformed
	}
	b := make([]byte, length)
	copy(b, r.Next(int(length)))
	if mustUTF8 && (!utf8.Valid(b) || bytes.IndexByte(b, 0) != -1) {
		return nil, errors.ErrMalformed
	}
	return b, nil
}

func writeUTF8String(w *bytes.Buffer, s []byte) {
	writeUint16(w, uint16(len(s)))
	w.Write(s)
}

// ValidTopicName reports whether the bytes are a valid topic name.
func ValidTopicName(p []byte) bool {
	_, err := topic.ParseName(string(p))
	return err == nil
}

// ValidTopicFilter reports whether the bytes are a valid topic filter.
func ValidTopicFilter(p []byte) bool {
	_, err := topic.ParseFilter(string(p))
	return err == nil
}

// TotalBytes returns the encoded size of a PUBLISH with the given topic and payload.
func TotalBytes(topicName string, payloadLen int, qos QoS) uint32 {
	remainLength := 2 + len(topicName) + payloadLen
	if qos > Qos0 {
		remainLength += 2
	}
	return uint32(1 + len(encodeRemainLength(remainLength)) + remainLength)
}
