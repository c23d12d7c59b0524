package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/errors"
	"sigbridge-server/pkg/sip"
)

// CallSocket is a dedicated ephemeral UDP socket opened for one
// externally-routed call. Responses from the remote signaling peer arrive
// here instead of on the shared socket, so they can be matched back to the
// owning call without inspecting unrelated traffic.
type CallSocket struct {
	conn   *net.UDPConn
	logger *logrus.Logger

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// OpenCallSocket binds a fresh UDP socket and pumps every inbound datagram
// to onData. The callback must not block.
func OpenCallSocket(logger *logrus.Logger, onData func(data []byte, src *net.UDPAddr)) (*CallSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "binding call-scoped UDP socket")
	}

	cs := &CallSocket{
		conn:   conn,
		logger: logger,
		closed: make(chan struct{}),
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		buf := make([]byte, 65535)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-cs.closed:
				default:
					logger.WithError(err).Debug("Call socket read failed")
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(data, raddr)
		}
	}()

	return cs, nil
}

// LocalAddr returns the socket's bound address
func (cs *CallSocket) LocalAddr() *net.UDPAddr {
	return cs.conn.LocalAddr().(*net.UDPAddr)
}

// Send serializes the message and emits one datagram to addr
func (cs *CallSocket) Send(msg *sip.Message, addr *net.UDPAddr) error {
	if _, err := cs.conn.WriteToUDP(msg.Serialize(), addr); err != nil {
		return errors.Wrap(errors.ErrNetworkFailure, "call socket send", map[string]interface{}{
			"dest": addr.String(),
			"err":  err.Error(),
		})
	}
	return nil
}

// Close shuts the socket down. Idempotent.
func (cs *CallSocket) Close() {
	cs.once.Do(func() {
		close(cs.closed)
		cs.conn.Close()
		cs.wg.Wait()
	})
}
