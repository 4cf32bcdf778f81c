package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Publish represents the MQTT Publish  packet
type Publish struct {
	Version   Version
	FixHeader *FixHeader
	Dup       bool
	Qos       uint8
	Retain    bool
	TopicName []byte
	PacketID  PacketID
	Payload   []byte
}

func (p *Publish) String() string {
	return fmt.Sprintf("Publish, Version: %v, Pid: %v, Dup: %v, Qos: %v, Retain: %v, TopicName: %s, PayloadLen: %d",
		p.Version, p.PacketID, p.Dup, p.Qos, p.Retain, p.TopicName, len(p.Payload))
}

// NewPublishPacket returns a Publish instance by the given FixHeader and io.Reader.
func NewPublishPacket(fh *FixHeader, version Version, r io.Reader) (*Publish, error) {
	p := &Publish{FixHeader: fh, Version: version}
	p.Dup = (1 & (fh.Flags >> 3)) > 0
	p.Qos = (fh.Flags >> 1) & 3
	// [MQTT-3.3.1-4]
	if p.Qos > Qos2 {
		return nil, errors.ErrMalformed
	}
	p.Retain = fh.Flags&1 == 1
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Publish) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: PUBLISH}
	bufWriter := &bytes.Buffer{}
	var dup, retain byte
	if p.Dup {
		dup = 8
	}
	if p.Retain {
		retain = 1
	}
	p.FixHeader.Flags = dup | retain | (p.Qos << 1)
	writeUTF8String(bufWriter, p.TopicName)
	if p.Qos == Qos1 || p.Qos == Qos2 {
		writeUint16(bufWriter, p.PacketID)
	}
	bufWriter.Write(p.Payload)
	p.FixHeader.RemainLength = bufWriter.Len()
	if err := p.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Publish) Unpack(r io.Reader) error {
	restBuffer := make([]byte, p.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	var err error
	p.TopicName, err = readUTF8String(true, bufReader)
	if err != nil {
		return err
	}
	// [MQTT-3.3.2-2]
	if !ValidTopicName(p.TopicName) {
		return errors.ErrMalformed
	}
	if p.Qos > Qos0 {
		if p.PacketID, err = readUint16(bufReader); err != nil {
			return err
		}
		// [MQTT-2.3.1-1]
		if p.PacketID == 0 {
			return errors.ErrMalformed
		}
	}
	p.Payload = bufReader.Next(bufReader.Len())
	return nil
}

// NewPuback returns the puback struct related to the publish struct in QoS 1
func (p *Publish) NewPuback() *Puback {
	return &Puback{PacketID: p.PacketID}
}
