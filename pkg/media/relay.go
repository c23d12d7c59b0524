package media

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/metrics"
)

// Relay manages per-call media relay sessions. At most one session exists
// per call-id; setting up an existing call-id returns the live session.
type Relay struct {
	logger   *logrus.Logger
	portMgr  *PortManager
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRelay creates a relay manager allocating legs through pm
func NewRelay(logger *logrus.Logger, pm *PortManager) *Relay {
	return &Relay{
		logger:   logger,
		portMgr:  pm,
		sessions: make(map[string]*Session),
	}
}

// Setup creates the relay session for a call from the offer and answer
// session descriptions. Idempotent per call-id: a second invocation returns
// the existing session untouched.
func (r *Relay) Setup(callID string, offer, answer []byte) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[callID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	endpointA, err := ExtractAudioEndpoint(offer)
	if err != nil {
		return nil, err
	}
	endpointB, err := ExtractAudioEndpoint(answer)
	if err != nil {
		return nil, err
	}

	peerA, err := endpointA.UDPAddr()
	if err != nil {
		return nil, err
	}
	peerB, err := endpointB.UDPAddr()
	if err != nil {
		return nil, err
	}

	connX, err := r.portMgr.Bind()
	if err != nil {
		return nil, err
	}
	connY, err := r.portMgr.Bind()
	if err != nil {
		connX.Close()
		return nil, err
	}

	session := &Session{
		CallID: callID,
		connX:  connX,
		connY:  connY,
		peerA:  peerA,
		peerB:  peerB,
		logger: r.logger.WithField("call_id", callID),
		relay:  r,
	}

	r.mu.Lock()
	if existing, ok := r.sessions[callID]; ok {
		// lost a setup race for the same call; keep the first session
		r.mu.Unlock()
		session.closeSockets()
		return existing, nil
	}
	r.sessions[callID] = session
	r.mu.Unlock()

	session.start()

	if metrics.IsMetricsEnabled() {
		metrics.RelaySessionsActive.Inc()
	}
	session.logger.WithFields(logrus.Fields{
		"leg_a":  peerA.String(),
		"leg_b":  peerB.String(),
		"port_x": session.PortX(),
		"port_y": session.PortY(),
	}).Info("Media relay established")

	return session, nil
}

// Get returns the live session for callID, if any
func (r *Relay) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Teardown closes the session for callID. A no-op for unknown calls and
// for already-closed sessions.
func (r *Relay) Teardown(callID string) {
	r.mu.Lock()
	session, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()

	if ok {
		session.Close()
	}
}

// Shutdown closes every live session
func (r *Relay) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Session is one bidirectional byte forwarder between two call legs.
// Datagrams arriving on socket X are resent to peer B through socket Y,
// and datagrams arriving on Y are resent to peer A through X. The payload
// is never inspected.
type Session struct {
	CallID string

	connX *net.UDPConn
	connY *net.UDPConn
	peerA *net.UDPAddr
	peerB *net.UDPAddr

	logger *logrus.Entry
	relay  *Relay

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// PortX returns the local port of the first relay socket
func (s *Session) PortX() int { return s.connX.LocalAddr().(*net.UDPAddr).Port }

// PortY returns the local port of the second relay socket
func (s *Session) PortY() int { return s.connY.LocalAddr().(*net.UDPAddr).Port }

func (s *Session) start() {
	s.wg.Add(2)
	go s.forward(s.connX, s.connY, s.peerB, "a_to_b")
	go s.forward(s.connY, s.connX, s.peerA, "b_to_a")
}

func (s *Session) forward(in, out *net.UDPConn, peer *net.UDPAddr, direction string) {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, _, err := in.ReadFromUDP(buf)
		if err != nil {
			// socket closed during teardown or a transient failure;
			// either way this leg is done
			return
		}
		if _, err := out.WriteToUDP(buf[:n], peer); err != nil {
			s.logger.WithError(err).WithField("direction", direction).Debug("Relay forward failed")
			continue
		}
		if metrics.IsMetricsEnabled() {
			metrics.RelayBytesForwarded.WithLabelValues(direction).Add(float64(n))
		}
	}
}

// Close tears the session down: both sockets closed exactly once.
// Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closeSockets()
		s.wg.Wait()
		if metrics.IsMetricsEnabled() {
			metrics.RelaySessionsActive.Dec()
		}
		s.logger.Info("Media relay torn down")
	})
}

func (s *Session) closeSockets() {
	portX := s.PortX()
	portY := s.PortY()
	s.connX.Close()
	s.connY.Close()
	if s.relay != nil && s.relay.portMgr != nil {
		s.relay.portMgr.Release(portX)
		s.relay.portMgr.Release(portY)
	}
}
