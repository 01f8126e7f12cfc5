package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// wsChannel adapts a gorilla connection to the session.Channel contract:
// sends go through a buffered queue drained by a single writer goroutine,
// so the session never blocks on the network.
type wsChannel struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *log.Logger

	closeOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func newWSChannel(conn *websocket.Conn, logger *log.Logger) *wsChannel {
	ch := &wsChannel{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go ch.writeLoop()
	return ch
}

func (ch *wsChannel) writeLoop() {
	for {
		select {
		case msg := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ch.logger.Printf("write failed: %v", err)
				return
			}
		case <-ch.done:
			return
		}
	}
}

// Send enqueues a text frame. A full queue drops the frame rather than
// blocking the session's dispatch goroutine.
func (ch *wsChannel) Send(text string) {
	select {
	case ch.send <- []byte(text):
	case <-ch.done:
	default:
		ch.logger.Printf("send queue full, dropping frame %q", text)
	}
}

// Close writes a close control frame with the given code and closes the
// underlying connection, which unblocks the gateway's read loop.
func (ch *wsChannel) Close(code int, reason string) {
	ch.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ch.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			ch.logger.Printf("close frame write failed: %v", err)
		}
		ch.conn.Close()
	})
}

// stop halts the writer goroutine once the read loop has exited.
func (ch *wsChannel) stop() {
	ch.stopOnce.Do(func() { close(ch.done) })
}
