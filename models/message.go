package models

import (
	"bytes"
	"time"

	"github.com/zhimiaox/zmqx-retain/common"
	"github.com/zhimiaox/zmqx-retain/packets"
)

// Message is an application message. When it is held by the retained store
// it is the retained record of its topic: Retained is set, Sequence orders
// it against every other record of the same store and PublishedAt tells
// when it was stored.
type Message struct {
	Dup      bool
	QoS      uint8
	Retained bool
	Topic    string
	Payload  []byte
	PacketID packets.PacketID

	Sequence    uint64
	PublishedAt time.Time
}

// Copy deep copies the Message and return the new one
func (m *Message) Copy() *Message {
	newMsg := &Message{
		Dup:         m.Dup,
		QoS:         m.QoS,
		Retained:    m.Retained,
		Topic:       m.Topic,
		PacketID:    m.PacketID,
		Sequence:    m.Sequence,
		PublishedAt: m.PublishedAt,
	}
	newMsg.Payload = make([]byte, len(m.Payload))
	copy(newMsg.Payload, m.Payload)
	return newMsg
}

// TotalBytes return the publishing packets total bytes.
func (m *Message) TotalBytes() uint32 {
	return packets.TotalBytes(m.Topic, len(m.Payload), m.QoS)
}

// MessageFromPublish create the Message instance from  publish packets
func MessageFromPublish(p *packets.Publish) *Message {
	return &Message{
		Dup:      p.Dup,
		QoS:      p.Qos,
		Retained: p.Retain,
		Topic:    string(p.TopicName),
		Payload:  p.Payload,
		PacketID: p.PacketID,
	}
}

// MessageToPublish create the Publishing packet instance from *Message
func MessageToPublish(msg *Message, version packets.Version) *packets.Publish {
	return &packets.Publish{
		Dup:       msg.Dup,
		Qos:       msg.QoS,
		PacketID:  msg.PacketID,
		Retain:    msg.Retained,
		TopicName: []byte(msg.Topic),
		Payload:   msg.Payload,
		Version:   version,
	}
}

// EncodeMessage encodes message into bytes and write it to the buffer.
// Sequence is not part of the encoding, stores keep it next to the record.
func EncodeMessage(msg *Message, b *bytes.Buffer) {
	if msg == nil {
		return
	}
	b.WriteByte(msg.QoS)
	common.WriteBool(b, msg.Retained)
	common.WriteString(b, msg.Topic)
	common.WriteLongBytes(b, msg.Payload)
	common.WriteUint64(b, uint64(msg.PublishedAt.UnixNano()))
}

// DecodeMessage decodes message from buffer.
func DecodeMessage(b *bytes.Buffer) (msg *Message, err error) {
	msg = &Message{}
	if msg.QoS, err = b.ReadByte(); err != nil {
		return nil, err
	}
	if msg.Retained, err = common.ReadBool(b); err != nil {
		return nil, err
	}
	if msg.Topic, err = common.ReadString(b); err != nil {
		return nil, err
	}
	if msg.Payload, err = common.ReadLongBytes(b); err != nil {
		return nil, err
	}
	ts, err := common.ReadUint64(b)
	if err != nil {
		return nil, err
	}
	msg.PublishedAt = time.Unix(0, int64(ts))
	return msg, nil
}
