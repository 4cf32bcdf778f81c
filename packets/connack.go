package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
)

// Connack represents the MQTT Connack  packet
type Connack struct {
	FixHeader      *FixHeader
	Code           consts.Code
	SessionPresent bool
}

func (c *Connack) String() string {
	return fmt.Sprintf("Connack, Code:%v, SessionPresent:%v", c.Code, c.SessionPresent)
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (c *Connack) Pack(w io.Writer) error {
	c.FixHeader = &FixHeader{PacketType: CONNACK, Flags: FlagReserved, RemainLength: 2}
	if err := c.FixHeader.Pack(w); err != nil {
		return err
	}
	var sp byte
	if c.SessionPresent {
		sp = 1
	}
	_, err := w.Write([]byte{sp, c.Code})
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct
func (c *Connack) Unpack(r io.Reader) error {
	restBuffer := make([]byte, c.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	sp, err := bufReader.ReadByte()
	if err != nil {
		return errors.ErrMalformed
	}
	if sp > 1 {
		return errors.ErrMalformed
	}
	c.SessionPresent = sp == 1
	if c.Code, err = bufReader.ReadByte(); err != nil {
		return errors.ErrMalformed
	}
	return nil
}

// NewConnackPacket returns a Connack instance by the given FixHeader and io.Reader
func NewConnackPacket(fh *FixHeader, r io.Reader) (*Connack, error) {
	p := &Connack{FixHeader: fh}
	if fh.Flags != FlagReserved || fh.RemainLength != 2 {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}
