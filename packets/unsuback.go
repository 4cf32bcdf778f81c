package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Unsuback represents the MQTT Unsuback  packet.
type Unsuback struct {
	FixHeader *FixHeader
	PacketID  PacketID
}

func (p *Unsuback) String() string {
	return fmt.Sprintf("Unsuback, Pid: %v", p.PacketID)
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Unsuback) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: UNSUBACK, Flags: FlagReserved, RemainLength: 2}
	bufWriter := &bytes.Buffer{}
	writeUint16(bufWriter, p.PacketID)
	if err := p.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Unsuback) Unpack(r io.Reader) error {
	restBuffer := make([]byte, p.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	var err error
	p.PacketID, err = readUint16(bytes.NewBuffer(restBuffer))
	return err
}

// NewUnsubackPacket returns a Unsuback instance by the given FixHeader and io.Reader.
func NewUnsubackPacket(fh *FixHeader, r io.Reader) (*Unsuback, error) {
	p := &Unsuback{FixHeader: fh}
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}
