package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
)

// Connect represents the MQTT Connect  packet
type Connect struct {
	Version   Version
	FixHeader *FixHeader
	// Variable header
	ProtocolLevel byte
	ProtocolName  []byte
	// Connect Flags
	UsernameFlag bool
	PasswordFlag bool
	WillRetain   bool
	WillQos      uint8
	WillFlag     bool
	CleanSession bool
	// disconnect after 1.5 times of KeepAlive without any packet [MQTT-3.1.2-24]
	KeepAlive uint16
	// Payload
	ClientID  []byte
	WillTopic []byte
	WillMsg   []byte
	Username  []byte
	Password  []byte
}

func (c *Connect) String() string {
	return fmt.Sprintf("Connect, Version: %v, ProtocolLevel: %v, UsernameFlag: %v, PasswordFlag: %v, ProtocolName: %s, CleanSession: %v, KeepAlive: %v, ClientID: %s, Username: %s"+
		", WillFlag: %v, WillRetain: %v, WillQos: %v, WillTopic: %s",
		c.Version, c.ProtocolLevel, c.UsernameFlag, c.PasswordFlag, c.ProtocolName, c.CleanSession, c.KeepAlive, c.ClientID, c.Username, c.WillFlag, c.WillRetain, c.WillQos, c.WillTopic)
}

// Pack encodes the packet struct into bytes and writes it into io.Writer.
func (c *Connect) Pack(w io.Writer) error {
	c.FixHeader = &FixHeader{PacketType: CONNECT, Flags: FlagReserved}
	if c.ProtocolLevel == 0 {
		c.ProtocolLevel = Version311
	}
	if len(c.ProtocolName) == 0 {
		c.ProtocolName = version2protoName[c.ProtocolLevel]
	}
	bufWriter := &bytes.Buffer{}
	writeUTF8String(bufWriter, c.ProtocolName)
	bufWriter.WriteByte(c.ProtocolLevel)
	var flags byte
	if c.UsernameFlag {
		flags |= 128
	}
	if c.PasswordFlag {
		flags |= 64
	}
	if c.WillRetain {
		flags |= 32
	}
	flags |= (c.WillQos & 3) << 3
	if c.WillFlag {
		flags |= 4
	}
	if c.CleanSession {
		flags |= 2
	}
	bufWriter.WriteByte(flags)
	writeUint16(bufWriter, c.KeepAlive)
	writeUTF8String(bufWriter, c.ClientID)
	if c.WillFlag {
		writeUTF8String(bufWriter, c.WillTopic)
		writeUTF8String(bufWriter, c.WillMsg)
	}
	if c.UsernameFlag {
		writeUTF8String(bufWriter, c.Username)
	}
	if c.PasswordFlag {
		writeUTF8String(bufWriter, c.Password)
	}
	c.FixHeader.RemainLength = bufWriter.Len()
	if err := c.FixHeader.Pack(w); err != nil {
		return err
	}
	_, err := bufWriter.WriteTo(w)
	return err
}

// Unpack read the packet bytes from io.Reader and decodes it into the packet struct.
func (c *Connect) Unpack(r io.Reader) (err error) {
	restBuffer := make([]byte, c.FixHeader.RemainLength)
	if _, err = io.ReadFull(r, restBuffer); err != nil {
		return errors.ErrMalformed
	}
	bufReader := bytes.NewBuffer(restBuffer)
	c.ProtocolName, err = readUTF8String(false, bufReader)
	if err != nil {
		return err
	}
	c.ProtocolLevel, err = bufReader.ReadByte()
	if err != nil {
		return errors.ErrMalformed
	}
	c.Version = c.ProtocolLevel
	if name, ok := version2protoName[c.ProtocolLevel]; !ok || !bytes.Equal(c.ProtocolName, name) {
		return errors.NewError(consts.V3UnacceptableProtocolVersion)
	}
	connectFlags, err := bufReader.ReadByte()
	if err != nil {
		return errors.ErrMalformed
	}
	// [MQTT-3.1.2-3]
	if connectFlags&1 != 0 {
		return errors.ErrMalformed
	}
	c.CleanSession = (1 & (connectFlags >> 1)) > 0
	c.WillFlag = (1 & (connectFlags >> 2)) > 0
	c.WillQos = 3 & (connectFlags >> 3)
	c.WillRetain = (1 & (connectFlags >> 5)) > 0
	// [MQTT-3.1.2-11] [MQTT-3.1.2-13] [MQTT-3.1.2-15]
	if !c.WillFlag && (c.WillQos != 0 || c.WillRetain) {
		return errors.ErrMalformed
	}
	if c.WillQos > Qos2 {
		return errors.ErrMalformed
	}
	c.PasswordFlag = (1 & (connectFlags >> 6)) > 0
	c.UsernameFlag = (1 & (connectFlags >> 7)) > 0
	// [MQTT-3.1.2-22]
	if !c.UsernameFlag && c.PasswordFlag {
		return errors.ErrMalformed
	}
	if c.KeepAlive, err = readUint16(bufReader); err != nil {
		return err
	}
	return c.unpackPayload(bufReader)
}

func (c *Connect) unpackPayload(bufReader *bytes.Buffer) (err error) {
	if c.ClientID, err = readUTF8String(true, bufReader); err != nil {
		return err
	}
	// [MQTT-3.1.3-7] [MQTT-3.1.3-8]
	if len(c.ClientID) == 0 && !c.CleanSession {
		return errors.NewError(consts.V3IdentifierRejected)
	}
	if c.WillFlag {
		if c.WillTopic, err = readUTF8String(true, bufReader); err != nil {
			return err
		}
		if !ValidTopicName(c.WillTopic) {
			return errors.ErrMalformed
		}
		if c.WillMsg, err = readUTF8String(false, bufReader); err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		if c.Username, err = readUTF8String(true, bufReader); err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		if c.Password, err = readUTF8String(false, bufReader); err != nil {
			return err
		}
	}
	return nil
}

// NewConnectPacket returns a Connect instance by the given FixHeader and io.Reader
func NewConnectPacket(fh *FixHeader, r io.Reader) (*Connect, error) {
	p := &Connect{FixHeader: fh}
	// flag bit legality check [MQTT-2.2.2-2]
	if fh.Flags != FlagReserved {
		return nil, errors.ErrMalformed
	}
	if err := p.Unpack(r); err != nil {
		return nil, err
	}
	return p, nil
}

// NewConnackPacket returns the Connack struct which is the ack packet of the Connect packet.
func (c *Connect) NewConnackPacket(code consts.Code, sessionPresent bool) *Connack {
	return &Connack{Code: code, SessionPresent: sessionPresent}
}
