package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/forumlive/forumlive/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// clientWriter owns all writes to one WebSocket connection. Data frames and
// ping frames are funneled through a single goroutine because gorilla
// permits only one concurrent writer.
type clientWriter struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	pingCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, messageBufferSize),
		pingCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.MessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-cw.pingCh:
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

// enqueue hands a pre-serialized frame to the writer. Returns false if the
// writer is stopped or its buffer is full; the hub treats a full buffer as a
// slow client.
func (cw *clientWriter) enqueue(data []byte) bool {
	select {
	case <-cw.done:
		return false
	default:
	}

	select {
	case cw.sendCh <- data:
		return true
	default:
		return false
	}
}

// ping requests a ping control frame. Coalesces if one is already pending.
func (cw *clientWriter) ping() bool {
	select {
	case <-cw.done:
		return false
	default:
	}

	select {
	case cw.pingCh <- struct{}{}:
		return true
	default:
		return true
	}
}

// stop terminates abruptly: no close handshake, the transport is just torn
// down. Used for dead peers and already-errored connections.
func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful performs a close handshake with the given code and reason
// before tearing the transport down.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.done)

		// The run goroutine must exit before we write the close frame, a
		// concurrent write would corrupt the stream.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.updateWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
