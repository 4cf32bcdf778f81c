package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Topic is a single topic filter request of a SUBSCRIBE packet.
type Topic struct {
	Name string
	Qos  uint8
}

// Subscribe represents the MQTT Subscribe  packet.
type Subscribe struct {
	Version   Version
	FixHeader *FixHeader
	PacketID  PacketID
	Topics    []Topic
}

func (p *Subscribe) String() string {
	str := fmt.Sprintf("Subscribe, Version: %v, Pid: %v", p.Version, p.PacketID)
	for k, t := range p.Topics {
		str += fmt.Sprintf(", Topic[%d][Name: %s, Qos: %v]", k, t.Name, t.Qos)
	}
	return str
}

// NewSuback returns the Suback struct which is the ack packet of the Subscribe packet.
// Every filter is granted the requested qos; callers overwrite refused entries.
func (p *Subscribe) NewSuback() *Suback {
	suback := &Suback{PacketID: p.PacketID, Payload: make([]byte, 0, len(p.Topics))}
	for _, v := range p.Topics {
		suback.Payload = append(suback.Payload, v.Qos)
	}
	return suback
}

// NewSubscribePacket returns a Subscribe instance by the given FixHeader and io.Reader.
func NewSubscribePacket(fh *FixHeader, version Version, r io.Reader) (*Subscribe, error) {
	p := &Subscribe{FixHeader: fh, Version: version}
	// flag bit legality check [MQTT-3.8.1-1]
	if fh.Flags != FlagSubscribe {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Subscribe) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: SUBSCRIBE, Flags: FlagSubscribe}
	bufWriter := &bytes.Buffer{}
	writeUint16(bufWriter, p.PacketID)
	for _, t := range p.Topics {
		writeUTF8String(bufWriter, []byte(t.Name))
		bufWriter.WriteByte(t.Qos)
	}
	p.FixHeader.RemainLength = bufWriter.Len()
	if err := p.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
// Filters are not validated here, an invalid filter is refused per entry in the SUBACK.
func (p *Subscribe) Unpack(r io.Reader) (err error) {
	restBuffer := make([]byte, p.FixHeader.RemainLength)
	if _, err = io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	if p.PacketID, err = readUint16(bufReader); err != nil {
		return err
	}
	// [MQTT-3.8.3-3]
	if bufReader.Len() == 0 {
		return errors.ErrProtocol
	}
	for bufReader.Len() > 0 {
		topicFilter, err := readUTF8String(true, bufReader)
		if err != nil {
			return err
		}
		qos, err := bufReader.ReadByte()
		if err != nil {
			return errors.ErrMalformed
		}
		// [MQTT-3-8.3-4]
		if qos > Qos2 {
			return errors.ErrMalformed
		}
		p.Topics = append(p.Topics, Topic{Name: string(topicFilter), Qos: qos})
	}
	return nil
}
