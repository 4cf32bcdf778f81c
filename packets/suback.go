package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
)

// Suback represents the MQTT Suback  packet.
type Suback struct {
	FixHeader *FixHeader
	PacketID  PacketID
	Payload   []consts.Code
}

func (p *Suback) String() string {
	return fmt.Sprintf("Suback, Pid: %v, Payload: %v", p.PacketID, p.Payload)
}

// NewSubackPacket returns a Suback instance by the given FixHeader and io.Reader.
func NewSubackPacket(fh *FixHeader, r io.Reader) (*Suback, error) {
	p := &Suback{FixHeader: fh}
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Suback) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: SUBACK, Flags: FlagReserved}
	bufWriter := &bytes.Buffer{}
	writeUint16(bufWriter, p.PacketID)
	bufWriter.Write(p.Payload)
	p.FixHeader.RemainLength = bufWriter.Len()
	if err := p.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Suback) Unpack(r io.Reader) error {
	restBuffer := make([]byte, p.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	var err error
	if p.PacketID, err = readUint16(bufReader); err != nil {
		return err
	}
	for bufReader.Len() > 0 {
		b, _ := bufReader.ReadByte()
		if b > Qos2 && b != consts.SubscribeFailure {
			return errors.ErrProtocol
		}
		p.Payload = append(p.Payload, b)
	}
	return nil
}
