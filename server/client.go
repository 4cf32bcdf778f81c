package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/packets"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/session"
)

// client is a MQTT 3.1/3.1.1 network connection bound to a session.
// It is the delivery sink of every subscription it makes.
type client struct {
	ctx struct {
		context.Context
		cancel context.CancelFunc
	}

	srv          *server
	rwc          net.Conn
	packetReader *packets.Reader
	packetWriter *packets.Writer
	in           chan packets.Packet
	out          chan packets.Packet

	opts        *models.ClientOptions
	version     packets.Version
	keepAlive   atomic.Int64 // read deadline as a time.Duration, 0 for none
	connectedAt time.Time

	packetIDLimiter persistence.PacketIDLimiter
	session         *session.Session
	logger          *slog.Logger
}

var _ session.DeliverySink = (*client)(nil)

func (srv *server) newClient(conn net.Conn) {
	if err := srv.hooks.OnAccept(conn); err != nil {
		_ = conn.Close()
		return
	}
	readerBuffer := srv.ioPool.GetReader(conn)
	writerBuffer := srv.ioPool.GetWriter(conn)
	c := &client{
		srv:          srv,
		rwc:          conn,
		packetReader: packets.NewReader(readerBuffer),
		packetWriter: packets.NewWriter(writerBuffer),
		in:           make(chan packets.Packet, 8),
		out:          make(chan packets.Packet, 64),
		opts:         &models.ClientOptions{},
		logger:       srv.logger.With("remote_addr", conn.RemoteAddr().String()),
	}
	c.packetReader.SetMaxPacketSize(srv.cfg.MQTT.MaxPacketSize)
	c.ctx.Context, c.ctx.cancel = context.WithCancel(srv.ctx)
	srv.clientsMu.Lock()
	if srv.stopping.Load() {
		srv.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	srv.clients[c] = struct{}{}
	srv.clientsMu.Unlock()

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func(logger *slog.Logger) {
		defer close(readerDone)
		c.readLoop(logger)
	}(c.logger)
	go func(logger *slog.Logger) {
		defer close(writerDone)
		c.writeLoop(logger)
	}(c.logger)
	if c.connectWithTimeout() {
		// a take-over or an api disconnect closes the connection too
		stop := context.AfterFunc(c.session.Context(), c.ctx.cancel)
		c.readHandle()
		stop()
		c.packetIDLimiter.Close()
		c.srv.disconnectSession(c.session)
	}
	c.ctx.cancel()
	<-writerDone
	_ = c.rwc.Close()
	// the read loop still owns the reader buffer until the closed conn fails its read
	<-readerDone
	srv.clientsMu.Lock()
	delete(srv.clients, c)
	srv.clientsMu.Unlock()
	// 结束销毁资源
	srv.ioPool.PutReader(readerBuffer)
	srv.ioPool.PutWriter(writerBuffer)
}

func (c *client) connectWithTimeout() (success bool) {
	ctx, cancel := context.WithTimeout(c.ctx.Context, time.Duration(c.srv.cfg.MQTT.ConnectTimeout))
	defer cancel()
	var connack *packets.Connack
	select {
	case <-ctx.Done():
		c.logger.Debug("client connect timeout")
		return false
	case p, ok := <-c.in:
		if !ok || p == nil {
			return false
		}
		conn, ok := p.(*packets.Connect)
		if !ok {
			c.logger.Debug("first packet is not connect", "packet", p)
			return false
		}
		connack = c.connectHandler(conn)
	}
	if connack.Code == consts.Success {
		s, err := c.srv.connect(c.opts.ClientID)
		if err != nil {
			c.logger.Error("failed register client", "err", err)
			connack.Code = consts.V3ServerUnavailable
		} else {
			c.session = s
			c.logger = c.logger.With("client_id", c.opts.ClientID)
			c.logger.Info("client connected", "version", c.version, "keep_alive", c.opts.KeepAlive)
		}
	}
	c.write(connack)
	return connack.Code == consts.Success
}

// Deliver writes a queued message to the connection. QoS 1 messages wait for a
// free packet id, which holds back the session queue while the client lags.
func (c *client) Deliver(topicName string, payload []byte, qos uint8, retained bool) {
	pub := &packets.Publish{
		Version:   c.version,
		Qos:       qos,
		Retain:    retained,
		TopicName: []byte(topicName),
		Payload:   payload,
	}
	if qos > packets.Qos0 {
		ids := c.packetIDLimiter.PollPacketIDs(1)
		if ids == nil {
			c.logger.Debug("packet id limiter is close")
			return
		}
		pub.PacketID = ids[0]
	}
	c.write(pub)
}

func (c *client) write(packet packets.Packet) {
	select {
	case <-c.ctx.Done():
		return
	case c.out <- packet:
	}
}

// close ends the connection, 3.x has no way to tell the client why.
func (c *client) close(err error) {
	c.logger.Info("client err", "err", err)
	c.ctx.cancel()
}

func (c *client) readLoop(logger *slog.Logger) {
	defer func() {
		_ = recover()
		c.ctx.cancel()
		close(c.in)
	}()
	for {
		if keepAlive := time.Duration(c.keepAlive.Load()); keepAlive != 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(keepAlive))
		} else {
			_ = c.rwc.SetReadDeadline(time.Time{}) // 不超时
		}
		packet, err := c.packetReader.ReadPacket()
		if err != nil {
			logger.Debug("client package read err", "err", err)
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case c.in <- packet:
		}
	}
}

func (c *client) writeLoop(logger *slog.Logger) {
	defer func() {
		_ = recover()
		c.ctx.cancel()
	}()
	for {
		select {
		case <-c.ctx.Done():
			// flush what is already accepted, e.g. a refused CONNACK
			for {
				select {
				case packet := <-c.out:
					if c.packetWriter.WritePacket(packet) != nil {
						return
					}
				default:
					_ = c.packetWriter.Flush()
					return
				}
			}
		case packet := <-c.out:
			if p, ok := packet.(*packets.Publish); ok {
				c.srv.hooks.OnDelivered(c.opts.ClientID, p)
			}
			if err := c.packetWriter.WritePacket(packet); err != nil {
				logger.Debug("client package write err", "err", err)
				return
			}
			// batch the writes while more packets are waiting
			if len(c.out) > 0 {
				continue
			}
			if err := c.packetWriter.Flush(); err != nil {
				logger.Debug("client package flush err", "err", err)
				return
			}
		}
	}
}
