package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// wsConn pushes frames as JSON text messages. The socket is attached after
// the connect succeeded, before the channel's writer starts.
type wsConn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn() *wsConn {
	return &wsConn{done: make(chan struct{})}
}

func (w *wsConn) attach(ws *websocket.Conn) {
	w.ws = ws
	go w.readPump()
}

// readPump only watches for the client going away and answers pongs; the
// gate does not accept client messages.
func (w *wsConn) readPump() {
	defer w.markDone()

	w.ws.SetReadLimit(maxMessageSize)
	_ = w.ws.SetReadDeadline(time.Now().Add(pongWait))
	w.ws.SetPongHandler(func(string) error {
		return w.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *wsConn) markDone() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *wsConn) Send(_ context.Context, f domain.Frame) error {
	if w.ws == nil {
		return errors.New("websocket not attached")
	}
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return w.ws.WriteJSON(f)
}

func (w *wsConn) Ping(context.Context) error {
	if w.ws == nil {
		return errors.New("websocket not attached")
	}
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) Done() <-chan struct{} { return w.done }

func (w *wsConn) Close() error {
	if w.ws == nil {
		return nil
	}
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return w.ws.Close()
}
