package gateway

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// peerWatcher reads from a connection whose request has been consumed so a
// peer close is noticed while synthesis is still running. Extra bytes the
// peer sends are discarded. A peer that only half-closes its write side after
// sending reads as EOF and is reported as gone, so it gets no response.
type peerWatcher struct {
	conn     net.Conn
	stopping atomic.Bool
	gone     atomic.Bool
	done     chan struct{}
}

func watchPeer(conn net.Conn) *peerWatcher {
	w := &peerWatcher{conn: conn, done: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Time{})
	go w.run()
	return w
}

func (w *peerWatcher) run() {
	defer close(w.done)
	buf := make([]byte, 512)
	for {
		_, err := w.conn.Read(buf)
		if err == nil {
			continue
		}
		if !w.stopping.Load() || err == io.EOF {
			w.gone.Store(true)
		}
		return
	}
}

// stop ends the watch and reports whether the peer closed the connection.
func (w *peerWatcher) stop() bool {
	w.stopping.Store(true)
	_ = w.conn.SetReadDeadline(time.Now())
	<-w.done
	return w.gone.Load()
}
