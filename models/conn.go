package models

import (
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zhimiaox/zmqx-retain/errors"
)

// WsConn adapts a websocket connection carrying binary MQTT frames to net.Conn.
type WsConn struct {
	net.Conn
	W *websocket.Conn

	r  io.Reader
	mu sync.Mutex
}

func (ws *WsConn) Close() error {
	return ws.W.Close()
}

func (ws *WsConn) Read(p []byte) (n int, err error) {
	for {
		if ws.r == nil {
			var msgType int
			msgType, ws.r, err = ws.W.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				return 0, errors.New("invalid websocket message type")
			}
		}
		n, err = ws.r.Read(p)
		if err == io.EOF {
			ws.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (ws *WsConn) Write(p []byte) (n int, err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err = ws.W.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
