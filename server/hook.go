package server

import (
	"net"

	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/packets"
)

type OnStop func()
type OnAccept func(conn net.Conn) error
type OnBasicAuth func(conn *packets.Connect, opts *models.ClientOptions) error
type OnSubscribe func(clientID string, sub *models.Subscription) error
type OnSubscribed func(clientID string, sub *models.Subscription)
type OnUnsubscribed func(clientID string, topicFilter string)
type OnMsgArrived func(clientID string, message *models.Message) error
type OnConnected func(clientID string)
type OnClosed func(clientID string)
type OnDelivered func(clientID string, msg *packets.Publish)
type OnMsgDropped func(clientID string, msg *models.Message, err error)
type OnRetainedReplayed func(clientID string, topicFilter string, queued int, err error)

// Hooks are called synchronously by the server, they must not block.
type Hooks interface {
	OnStop()
	// OnAccept may refuse a new network connection.
	OnAccept(conn net.Conn) error
	// OnBasicAuth may refuse a CONNECT, the client gets a bad username or password return code.
	OnBasicAuth(conn *packets.Connect, opts *models.ClientOptions) error
	// OnSubscribe may refuse a subscription before it is registered.
	OnSubscribe(clientID string, sub *models.Subscription) error
	OnSubscribed(clientID string, sub *models.Subscription)
	OnUnsubscribed(clientID string, topicFilter string)
	// OnMsgArrived may refuse a message published by a client, it is not stored nor delivered.
	OnMsgArrived(clientID string, message *models.Message) error
	OnConnected(clientID string)
	// OnClosed is called once the session is gone, disconnected or taken over.
	OnClosed(clientID string)
	OnDelivered(clientID string, msg *packets.Publish)
	OnMsgDropped(clientID string, msg *models.Message, err error)
	// OnRetainedReplayed is called when the retained replay of a subscription has queued its last message.
	OnRetainedReplayed(clientID string, topicFilter string, queued int, err error)
}

type hooks struct {
	onStop             OnStop
	onAccept           OnAccept
	onBasicAuth        OnBasicAuth
	onSubscribe        OnSubscribe
	onSubscribed       OnSubscribed
	onUnsubscribed     OnUnsubscribed
	onMsgArrived       OnMsgArrived
	onConnected        OnConnected
	onClosed           OnClosed
	onDelivered        OnDelivered
	onMsgDropped       OnMsgDropped
	onRetainedReplayed OnRetainedReplayed
}

func WithOnStop(onStop OnStop) Hook {
	return func(impl *hooks) {
		impl.onStop = onStop
	}
}

func (h *hooks) OnStop() {
	if h.onStop != nil {
		h.onStop()
	}
}

func WithOnMsgDropped(onMsgDropped OnMsgDropped) Hook {
	return func(impl *hooks) {
		impl.onMsgDropped = onMsgDropped
	}
}
func (h *hooks) OnMsgDropped(clientID string, msg *models.Message, err error) {
	if h.onMsgDropped != nil {
		h.onMsgDropped(clientID, msg, err)
	}
}

func WithOnDelivered(onDelivered OnDelivered) Hook {
	return func(impl *hooks) {
		impl.onDelivered = onDelivered
	}
}

func (h *hooks) OnDelivered(clientID string, msg *packets.Publish) {
	if h.onDelivered != nil {
		h.onDelivered(clientID, msg)
	}
}

func WithOnAccept(onAccept OnAccept) Hook {
	return func(impl *hooks) {
		impl.onAccept = onAccept
	}
}
func (h *hooks) OnAccept(conn net.Conn) error {
	if h.onAccept != nil {
		return h.onAccept(conn)
	}
	return nil
}

func WithOnBasicAuth(onBasicAuth OnBasicAuth) Hook {
	return func(impl *hooks) {
		impl.onBasicAuth = onBasicAuth
	}
}
func (h *hooks) OnBasicAuth(conn *packets.Connect, opts *models.ClientOptions) error {
	if h.onBasicAuth != nil {
		return h.onBasicAuth(conn, opts)
	}
	return nil
}

func WithOnSubscribe(onSubscribe OnSubscribe) Hook {
	return func(impl *hooks) {
		impl.onSubscribe = onSubscribe
	}
}
func (h *hooks) OnSubscribe(clientID string, sub *models.Subscription) error {
	if h.onSubscribe != nil {
		return h.onSubscribe(clientID, sub)
	}
	return nil
}

func WithOnSubscribed(onSubscribed OnSubscribed) Hook {
	return func(impl *hooks) {
		impl.onSubscribed = onSubscribed
	}
}
func (h *hooks) OnSubscribed(clientID string, sub *models.Subscription) {
	if h.onSubscribed != nil {
		h.onSubscribed(clientID, sub)
	}
}

func WithOnUnsubscribed(onUnsubscribed OnUnsubscribed) Hook {
	return func(impl *hooks) {
		impl.onUnsubscribed = onUnsubscribed
	}
}
func (h *hooks) OnUnsubscribed(clientID string, topicFilter string) {
	if h.onUnsubscribed != nil {
		h.onUnsubscribed(clientID, topicFilter)
	}
}

func WithOnMsgArrived(onMsgArrived OnMsgArrived) Hook {
	return func(impl *hooks) {
		impl.onMsgArrived = onMsgArrived
	}
}
func (h *hooks) OnMsgArrived(clientID string, msg *models.Message) error {
	if h.onMsgArrived != nil {
		return h.onMsgArrived(clientID, msg)
	}
	return nil
}

func WithOnConnected(onConnected OnConnected) Hook {
	return func(impl *hooks) {
		impl.onConnected = onConnected
	}
}
func (h *hooks) OnConnected(clientID string) {
	if h.onConnected != nil {
		h.onConnected(clientID)
	}
}

func WithOnClosed(onClosed OnClosed) Hook {
	return func(impl *hooks) {
		impl.onClosed = onClosed
	}
}
func (h *hooks) OnClosed(clientID string) {
	if h.onClosed != nil {
		h.onClosed(clientID)
	}
}

func WithOnRetainedReplayed(onRetainedReplayed OnRetainedReplayed) Hook {
	return func(impl *hooks) {
		impl.onRetainedReplayed = onRetainedReplayed
	}
}
func (h *hooks) OnRetainedReplayed(clientID string, topicFilter string, queued int, err error) {
	if h.onRetainedReplayed != nil {
		h.onRetainedReplayed(clientID, topicFilter, queued, err)
	}
}

type Hook func(impl *hooks)

func NewHooks(hook ...Hook) Hooks {
	h := &hooks{}
	for _, fn := range hook {
		fn(h)
	}
	return h
}
