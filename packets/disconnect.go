package packets

import (
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Disconnect represents the MQTT Disconnect  packet
type Disconnect struct {
	FixHeader *FixHeader
}

func (d *Disconnect) String() string {
	return "Disconnect"
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (d *Disconnect) Pack(w io.Writer) error {
	d.FixHeader = &FixHeader{PacketType: DISCONNECT, Flags: FlagReserved}
	return d.FixHeader.Pack(w)
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (d *Disconnect) Unpack(_ io.Reader) error {
	if d.FixHeader.RemainLength != 0 {
		return errors.ErrMalformed
	}
	return nil
}

// NewDisconnectPacket returns a Disconnect instance by the given FixHeader and io.Reader
func NewDisconnectPacket(fh *FixHeader, r io.Reader) (*Disconnect, error) {
	// [MQTT-3.14.1-1]
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	p := &Disconnect{FixHeader: fh}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}
