package capturehelper

import (
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const clientQueueFrames = 64

// EgressServer is the helper's loopback TCP listener for binary frames.
// Each connected client gets a bounded queue; when a client falls behind,
// the oldest queued frame is dropped, never the newest. Audio is only
// useful fresh.
type EgressServer struct {
	logger   hclog.Logger
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]*egressClientQueue
	closed  bool
	dropped uint32
}

type egressClientQueue struct {
	ch   chan []byte
	done chan struct{}
}

// NewEgressServer binds an ephemeral loopback port.
func NewEgressServer(logger hclog.Logger) (*EgressServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &EgressServer{
		logger:   logger.Named("egress"),
		listener: ln,
		clients:  make(map[net.Conn]*egressClientQueue),
	}
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound port.
func (s *EgressServer) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// DroppedFrames returns the cumulative count of frames dropped from
// client queues.
func (s *EgressServer) DroppedFrames() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// HasClients reports whether any client is connected; the session falls
// back to base64 events when none is.
func (s *EgressServer) HasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// Broadcast queues one encoded frame for every connected client.
func (s *EgressServer) Broadcast(data []byte) {
	s.mu.Lock()
	queues := make([]*egressClientQueue, 0, len(s.clients))
	for _, q := range s.clients {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		for {
			select {
			case q.ch <- data:
			default:
				// Queue full: evict the oldest frame and retry.
				select {
				case <-q.ch:
					s.mu.Lock()
					s.dropped++
					s.mu.Unlock()
				default:
				}
				continue
			}
			break
		}
	}
}

// Close stops accepting and disconnects every client.
func (s *EgressServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *EgressServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		q := &egressClientQueue{
			ch:   make(chan []byte, clientQueueFrames),
			done: make(chan struct{}),
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[conn] = q
		s.mu.Unlock()
		s.logger.Debug("egress client connected", "remote", conn.RemoteAddr().String())
		go s.writeLoop(conn, q)
		go s.detectClose(conn, q)
	}
}

// detectClose blocks reading the connection. Clients never send, so any
// read result means the peer is gone; this catches disconnects while the
// write loop sits idle, keeping HasClients honest for the fallback
// decision and unblocking the write loop on server Close.
func (s *EgressServer) detectClose(conn net.Conn, q *egressClientQueue) {
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)
	close(q.done)
}

func (s *EgressServer) writeLoop(conn net.Conn, q *egressClientQueue) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Debug("egress client disconnected")
	}()
	for {
		select {
		case data := <-q.ch:
			if _, err := conn.Write(data); err != nil {
				return
			}
		case <-q.done:
			return
		}
	}
}
