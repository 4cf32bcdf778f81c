package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Puback represents the MQTT Puback  packet
type Puback struct {
	FixHeader *FixHeader
	PacketID  PacketID
}

func (p *Puback) String() string {
	return fmt.Sprintf("Puback, Pid: %v", p.PacketID)
}

// NewPubackPacket returns a Puback instance by the given FixHeader and io.Reader
func NewPubackPacket(fh *FixHeader, r io.Reader) (*Puback, error) {
	p := &Puback{FixHeader: fh}
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Puback) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: PUBACK, Flags: FlagReserved, RemainLength: 2}
	bufWriter := &bytes.Buffer{}
	writeUint16(bufWriter, p.PacketID)
	if err := p.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Puback) Unpack(r io.Reader) error {
	restBuffer := make([]byte, p.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	var err error
	p.PacketID, err = readUint16(bytes.NewBuffer(restBuffer))
	return err
}
