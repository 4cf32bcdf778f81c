package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// Unsubscribe represents the MQTT Unsubscribe  packet.
type Unsubscribe struct {
	Version   Version
	FixHeader *FixHeader
	PacketID  PacketID
	Topics    []string
}

func (u *Unsubscribe) String() string {
	return fmt.Sprintf("Unsubscribe, Version: %v, Pid: %v, Topics: %v", u.Version, u.PacketID, u.Topics)
}

// NewUnSubBack returns the Unsuback struct which is the ack packet of the Unsubscribe packet.
func (u *Unsubscribe) NewUnSubBack() *Unsuback {
	return &Unsuback{PacketID: u.PacketID}
}

// NewUnsubscribePacket returns a Unsubscribe instance by the given FixHeader and io.Reader.
func NewUnsubscribePacket(fh *FixHeader, version Version, r io.Reader) (*Unsubscribe, error) {
	p := &Unsubscribe{FixHeader: fh, Version: version}
	// [MQTT-3.10.1-1]
	if fh.Flags != FlagUnsubscribe {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (u *Unsubscribe) Pack(w io.Writer) error {
	u.FixHeader = &FixHeader{PacketType: UNSUBSCRIBE, Flags: FlagUnsubscribe}
	bufWriter := &bytes.Buffer{}
	writeUint16(bufWriter, u.PacketID)
	for _, topic := range u.Topics {
		writeUTF8String(bufWriter, []byte(topic))
	}
	u.FixHeader.RemainLength = bufWriter.Len()
	if err := u.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (u *Unsubscribe) Unpack(r io.Reader) error {
	restBuffer := make([]byte, u.FixHeader.RemainLength)
	if _, err := io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	var err error
	if u.PacketID, err = readUint16(bufReader); err != nil {
		return err
	}
	// [MQTT-3.10.3-2]
	if bufReader.Len() == 0 {
		return errors.ErrProtocol
	}
	for bufReader.Len() > 0 {
		topicFilter, err := readUTF8String(true, bufReader)
		if err != nil {
			return err
		}
		u.Topics = append(u.Topics, string(topicFilter))
	}
	return nil
}
