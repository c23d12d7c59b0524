package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/errors"
	"sigbridge-server/pkg/sip"
)

// Receiver consumes every inbound message together with the destination
// that reaches its sender. Implementations must not block; the engine's
// receiver only enqueues onto its dispatch loop.
type Receiver func(data []byte, src Destination)

// Destination identifies how to reach a peer: a UDP endpoint or an
// established stream connection. It is a closed tagged variant - the
// two implementations below are the only ones.
type Destination interface {
	Network() string
	String() string
}

// UDPDestination addresses a datagram peer
type UDPDestination struct {
	Addr *net.UDPAddr
}

func (d UDPDestination) Network() string { return "udp" }
func (d UDPDestination) String() string  { return d.Addr.String() }

// StreamDestination addresses a peer over an established TCP connection
type StreamDestination struct {
	Conn *StreamConn
}

func (d StreamDestination) Network() string { return "tcp" }
func (d StreamDestination) String() string  { return d.Conn.RemoteAddr() }

// StreamConn wraps one accepted TCP connection. Writes are serialized by
// a per-connection lock; messages are self-delimiting on the wire so no
// extra framing is added.
type StreamConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	remoteAddr   string
	lastActivity time.Time
	mu           sync.Mutex
}

// RemoteAddr returns the peer address of the connection
func (c *StreamConn) RemoteAddr() string { return c.remoteAddr }

// Write sends raw bytes on the connection under the write lock
func (c *StreamConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	_, err := c.conn.Write(data)
	return err
}

// Close closes the underlying connection
func (c *StreamConn) Close() error { return c.conn.Close() }

// Manager owns the well-known signaling sockets and pushes every inbound
// message to a single receiver. Per-call sockets for external routing are
// opened separately via OpenCallSocket.
type Manager struct {
	logger   *logrus.Logger
	receiver Receiver

	udpConn     *net.UDPConn
	tcpListener net.Listener

	conns   map[string]*StreamConn
	connsMu sync.Mutex

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewManager creates a transport manager delivering to the given receiver
func NewManager(logger *logrus.Logger, receiver Receiver) *Manager {
	return &Manager{
		logger:   logger,
		receiver: receiver,
		conns:    make(map[string]*StreamConn),
		shutdown: make(chan struct{}),
	}
}

// ListenUDP binds the main UDP signaling socket and starts its read loop.
// A bind failure here is fatal to startup and is returned to the caller.
func (m *Manager) ListenUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolving UDP listen address", map[string]interface{}{"addr": addr})
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "binding UDP signaling socket", map[string]interface{}{"addr": addr})
	}
	m.udpConn = conn

	m.logger.WithField("addr", conn.LocalAddr().String()).Info("UDP signaling listener started")

	m.wg.Add(1)
	go m.readUDP()
	return nil
}

// ListenTCP binds the stream signaling socket and starts accepting
func (m *Manager) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "binding TCP signaling socket", map[string]interface{}{"addr": addr})
	}
	m.tcpListener = ln

	m.logger.WithField("addr", ln.Addr().String()).Info("TCP signaling listener started")

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// LocalUDPAddr returns the bound address of the main UDP socket
func (m *Manager) LocalUDPAddr() *net.UDPAddr {
	if m.udpConn == nil {
		return nil
	}
	return m.udpConn.LocalAddr().(*net.UDPAddr)
}

func (m *Manager) readUDP() {
	defer m.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, raddr, err := m.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			m.logger.WithError(err).Warn("UDP read error on signaling socket")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		m.receiver(data, UDPDestination{Addr: raddr})
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.tcpListener.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			m.logger.WithError(err).Warn("TCP accept error on signaling socket")
			continue
		}

		sc := &StreamConn{
			conn:         conn,
			reader:       bufio.NewReader(conn),
			remoteAddr:   conn.RemoteAddr().String(),
			lastActivity: time.Now(),
		}

		m.connsMu.Lock()
		m.conns[sc.remoteAddr] = sc
		m.connsMu.Unlock()

		m.wg.Add(1)
		go m.readStream(sc)
	}
}

// readStream frames messages off one TCP connection: header block up to the
// blank line, then Content-Length body bytes when the header is present and
// sane. The leniency mirrors the codec - an absent or unparsable
// Content-Length means no body is read.
func (m *Manager) readStream(sc *StreamConn) {
	defer m.wg.Done()
	defer func() {
		m.connsMu.Lock()
		delete(m.conns, sc.remoteAddr)
		m.connsMu.Unlock()
		sc.Close()
	}()

	logger := m.logger.WithField("remote", sc.remoteAddr)

	for {
		data, err := readFramedMessage(sc.reader)
		if err != nil {
			if err != io.EOF {
				select {
				case <-m.shutdown:
					return
				default:
				}
				logger.WithError(err).Debug("Stream connection read failed")
			}
			return
		}
		sc.lastActivity = time.Now()
		m.receiver(data, StreamDestination{Conn: sc})
	}
}

func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	var head []byte
	contentLength := 0

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		head = append(head, line...)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if colon := strings.Index(trimmed, ":"); colon > 0 {
			name := strings.TrimSpace(trimmed[:colon])
			if strings.EqualFold(name, sip.HeaderContentLength) {
				if v, err := strconv.Atoi(strings.TrimSpace(trimmed[colon+1:])); err == nil && v > 0 {
					contentLength = v
				}
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		head = append(head, body...)
	}
	return head, nil
}

// Send serializes a message and emits it toward the destination. Delivery
// is fire-and-forget: an error is for logging only, never retried here.
func (m *Manager) Send(msg *sip.Message, dest Destination) error {
	data := msg.Serialize()

	switch d := dest.(type) {
	case UDPDestination:
		if m.udpConn == nil {
			return errors.New("UDP transport not started")
		}
		if _, err := m.udpConn.WriteToUDP(data, d.Addr); err != nil {
			return errors.Wrap(errors.ErrNetworkFailure, "UDP send", map[string]interface{}{
				"dest": d.String(),
				"err":  err.Error(),
			})
		}
		return nil
	case StreamDestination:
		if err := d.Conn.Write(data); err != nil {
			return errors.Wrap(errors.ErrNetworkFailure, "stream send", map[string]interface{}{
				"dest": d.String(),
				"err":  err.Error(),
			})
		}
		return nil
	default:
		return errors.Wrap(errors.ErrUnsupportedDestination, fmt.Sprintf("%T", dest))
	}
}

// Close shuts down the listeners and all tracked stream connections.
// Safe to call more than once.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.shutdown)
		if m.udpConn != nil {
			m.udpConn.Close()
		}
		if m.tcpListener != nil {
			m.tcpListener.Close()
		}
		m.connsMu.Lock()
		for _, sc := range m.conns {
			sc.Close()
		}
		m.connsMu.Unlock()
		m.wg.Wait()
		m.logger.Info("Transport manager stopped")
	})
}
