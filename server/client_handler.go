package server

import (
	"time"

	"github.com/zhimiaox/zmqx-retain/common"
	"github.com/zhimiaox/zmqx-retain/consts"
	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/packets"
	"github.com/zhimiaox/zmqx-retain/persistence"
	"github.com/zhimiaox/zmqx-retain/session"
	"github.com/zhimiaox/zmqx-retain/topic"
)

func (c *client) readHandle() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case packet, ok := <-c.in:
			if !ok {
				return
			}
			var codeErr *errors.Error
			switch p := packet.(type) {
			case *packets.Subscribe:
				c.subscribeHandler(p)
			case *packets.Publish:
				codeErr = c.publishHandler(p)
			case *packets.Puback:
				c.pubackHandler(p)
			case *packets.Pingreq:
				c.pingreqHandler(p)
			case *packets.Unsubscribe:
				c.unsubscribeHandler(p)
			case *packets.Disconnect:
				c.logger.Debug("client disconnect")
				return
			default:
				codeErr = errors.ErrProtocol
			}
			if codeErr != nil {
				c.close(codeErr)
				return
			}
		}
	}
}

func (c *client) connectHandler(conn *packets.Connect) *packets.Connack {
	conf := &c.srv.cfg.MQTT
	connack := conn.NewConnackPacket(consts.Success, false)
	// [MQTT-3.1.3-8] a zero length client id needs a clean session
	if len(conn.ClientID) == 0 && (!conf.AllowZeroLenClientID || !conn.CleanSession) {
		connack.Code = consts.V3IdentifierRejected
		return connack
	}
	opts := &models.ClientOptions{
		ClientID:             string(conn.ClientID),
		Username:             string(conn.Username),
		KeepAlive:            conn.KeepAlive,
		CleanSession:         conn.CleanSession,
		MaxInflight:          conf.MaxInflight,
		MaximumQoS:           conf.MaximumQoS,
		RetainAvailable:      conf.RetainAvailable,
		WildcardSubAvailable: conf.WildcardAvailable,
	}
	if err := c.srv.hooks.OnBasicAuth(conn, opts); err != nil {
		c.logger.Info("client auth refused", "client_id", opts.ClientID, "err", err)
		connack.Code = consts.V3BadUsernameOrPassword
		return connack
	}
	if opts.ClientID == "" {
		opts.ClientID = common.NanoID()
	}
	if !conn.CleanSession {
		// sessions never outlive the connection, the client learns it from SessionPresent = 0
		c.logger.Debug("persistent session requested, serving a clean one", "client_id", opts.ClientID)
	}
	c.opts = opts
	c.version = conn.Version
	c.connectedAt = time.Now()
	// KeepAlive, a client without one is dropped after max_keepalive of silence
	keepAlive := c.opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = conf.MaxKeepAlive
	}
	if keepAlive != 0 {
		d := time.Duration(keepAlive) * 1500 * time.Millisecond
		c.keepAlive.Store(int64(d))
		_ = c.rwc.SetReadDeadline(time.Now().Add(d))
	}
	c.packetIDLimiter = persistence.NewPacketIDLimiter(c.opts.MaxInflight)
	return connack
}

// subscribeHandler answers with the SUBACK first, then starts the retained replays.
func (c *client) subscribeHandler(subPkg *packets.Subscribe) {
	suback := subPkg.NewSuback()
	type accepted struct {
		s   *session.Session
		sub *models.Subscription
	}
	replays := make([]accepted, 0, len(subPkg.Topics))
	for k, v := range subPkg.Topics {
		if !c.opts.WildcardSubAvailable && isWildcard(v.Name) {
			suback.Payload[k] = consts.SubscribeFailure
			continue
		}
		s, sub, err := c.srv.subscribe(c.opts.ClientID, v.Name, v.Qos, c)
		if err != nil {
			c.logger.Warn("failed to subscribe topic", "topic", v.Name, "qos", v.Qos, "err", err)
			suback.Payload[k] = consts.SubscribeFailure
			continue
		}
		suback.Payload[k] = sub.QoS
		replays = append(replays, accepted{s: s, sub: sub})
	}
	c.write(suback)
	for _, v := range replays {
		c.srv.replayRetained(v.s, v.sub, c)
	}
}

func isWildcard(topicFilter string) bool {
	f, err := topic.ParseFilter(topicFilter)
	return err == nil && f.HasWildcard()
}

func (c *client) publishHandler(pub *packets.Publish) *errors.Error {
	// the exactly-once handshake is not served
	if pub.Qos == packets.Qos2 {
		return errors.NewError(consts.QoSNotSupported)
	}
	// check retain available
	if !c.opts.RetainAvailable && pub.Retain {
		return &errors.Error{Code: consts.ProtocolError, Reason: "retain not available"}
	}
	msg := models.MessageFromPublish(pub)
	// 服务端不能将$字符开头的主题名匹配通配符（#或+）开头的主题过滤器 [MQTT-4.7.2-1]。
	// 客户端发往$开头主题的消息直接丢弃
	if topic.IsSystem(msg.Topic) {
		c.logger.Debug("system topic publish dropped", "topic", msg.Topic)
	} else if err := c.srv.hooks.OnMsgArrived(c.opts.ClientID, msg); err != nil {
		c.logger.Debug("message refused", "topic", msg.Topic, "err", err)
	} else if err = c.srv.Publish(msg); err != nil {
		return &errors.Error{Code: consts.ProtocolError, Reason: err.Error()}
	}
	if pub.Qos == packets.Qos1 {
		c.write(pub.NewPuback())
	}
	return nil
}

func (c *client) pubackHandler(puback *packets.Puback) {
	c.packetIDLimiter.Release(puback.PacketID)
	c.logger.Debug("unset inflight message with pub ack", "packet_id", puback.PacketID)
}

func (c *client) pingreqHandler(pingreq *packets.Pingreq) {
	c.write(pingreq.NewPingresp())
}

func (c *client) unsubscribeHandler(unSub *packets.Unsubscribe) {
	for _, v := range unSub.Topics {
		if err := c.srv.Unsubscribe(c.opts.ClientID, v); err != nil {
			c.logger.Warn("unsubscribed failed", "topic", v, "err", err)
		}
	}
	c.write(unSub.NewUnSubBack())
}
