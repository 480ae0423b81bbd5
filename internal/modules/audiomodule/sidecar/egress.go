package sidecar

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// egressConn maintains the persistent loopback TCP connection that carries
// the helper's binary audio frames. The byte stream has no message
// alignment guarantees, so every read is fed through the incremental
// frame decoder.
//
// On read failure the connection reconnects after a fixed delay for as
// long as the helper process is alive; partial frame bytes from the dead
// connection are discarded, never spliced onto the new stream.
type egressConn struct {
	cfg egressConnConfig

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

type egressConnConfig struct {
	addr           string
	reconnectDelay time.Duration
	logger         hclog.Logger
	bus            events.EventBus
	onFrame        func(*sidecarproto.AudioFrame)
	helperAlive    func() bool
}

func newEgressConn(cfg egressConnConfig) *egressConn {
	return &egressConn{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run dials and reads until Close or helper death. Intended to run on its
// own goroutine.
func (e *egressConn) Run() {
	defer close(e.doneCh)
	decoder := &sidecarproto.FrameDecoder{}
	buf := make([]byte, 64*1024)

	for {
		if e.isClosed() {
			return
		}

		conn, err := net.DialTimeout("tcp", e.cfg.addr, 5*time.Second)
		if err != nil {
			if !e.waitRetry("dial failed", err) {
				return
			}
			continue
		}
		e.setConn(conn)
		e.cfg.logger.Info("binary egress connected", "addr", e.cfg.addr)
		e.publish(events.EventEgressConnected)

		decoder.Reset()
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				decoder.Feed(buf[:n])
				e.drain(decoder)
			}
			if err != nil {
				break
			}
		}
		_ = conn.Close()
		e.setConn(nil)
		e.publish(events.EventEgressDisconnected)

		if !e.waitRetry("egress read ended", nil) {
			return
		}
	}
}

func (e *egressConn) drain(decoder *sidecarproto.FrameDecoder) {
	for {
		frame, err := decoder.Next()
		if err != nil {
			e.cfg.logger.Warn("skipping malformed egress frame", "error", err)
			continue
		}
		if frame == nil {
			return
		}
		if e.cfg.onFrame != nil {
			e.cfg.onFrame(frame)
		}
	}
}

// waitRetry sleeps the reconnect delay and reports whether another attempt
// should be made.
func (e *egressConn) waitRetry(reason string, err error) bool {
	if e.isClosed() || !e.cfg.helperAlive() {
		return false
	}
	e.cfg.logger.Debug("egress reconnecting", "reason", reason, "error", err,
		"delay", e.cfg.reconnectDelay)
	select {
	case <-e.stopCh:
		return false
	case <-time.After(e.cfg.reconnectDelay):
	}
	return !e.isClosed() && e.cfg.helperAlive()
}

// Close stops the reconnect loop and tears down any live connection.
func (e *egressConn) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stopCh)
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	<-e.doneCh
}

func (e *egressConn) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *egressConn) setConn(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

func (e *egressConn) publish(t events.EventType) {
	if e.cfg.bus == nil {
		return
	}
	e.cfg.bus.PublishAsync(events.Event{
		Type:   t,
		Source: "egress",
		Data:   map[string]interface{}{"addr": e.cfg.addr},
	})
}
