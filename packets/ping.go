package packets

import (
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Pingreq represents the MQTT Pingreq  packet
type Pingreq struct {
	FixHeader *FixHeader
}

func (p *Pingreq) String() string {
	return "Pingreq"
}

// NewPingresp returns the Pingresp answering p.
func (p *Pingreq) NewPingresp() *Pingresp {
	return &Pingresp{}
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Pingreq) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: PINGREQ, Flags: FlagReserved}
	return p.FixHeader.Pack(w)
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Pingreq) Unpack(_ io.Reader) error {
	if p.FixHeader.RemainLength != 0 {
		return errors.ErrMalformed
	}
	return nil
}

// NewPingreqPacket returns a Pingreq instance by the given FixHeader and io.Reader
func NewPingreqPacket(fh *FixHeader, r io.Reader) (*Pingreq, error) {
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	p := &Pingreq{FixHeader: fh}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pingresp represents the MQTT Pingresp  packet
type Pingresp struct {
	FixHeader *FixHeader
}

func (p *Pingresp) String() string {
	return "Pingresp"
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (p *Pingresp) Pack(w io.Writer) error {
	p.FixHeader = &FixHeader{PacketType: PINGRESP, Flags: FlagReserved}
	return p.FixHeader.Pack(w)
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (p *Pingresp) Unpack(_ io.Reader) error {
	if p.FixHeader.RemainLength != 0 {
		return errors.ErrMalformed
	}
	return nil
}

// NewPingrespPacket returns a Pingresp instance by the given FixHeader and io.Reader
func NewPingrespPacket(fh *FixHeader, r io.Reader) (*Pingresp, error) {
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	p := &Pingresp{FixHeader: fh}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}
