package media

import (
	"net"
	"sync"

	"sigbridge-server/pkg/errors"
)

// PortManager hands out bound UDP sockets for relay legs. With a configured
// range it scans for a free port inside it; with no range (min and max zero)
// it binds ephemeral ports, which is the default relay behavior.
type PortManager struct {
	minPort int
	maxPort int

	mu        sync.Mutex
	usedPorts map[int]bool
	nextPort  int
}

// NewPortManager creates a port manager for the given range. Pass 0,0 for
// ephemeral allocation.
func NewPortManager(minPort, maxPort int) *PortManager {
	if minPort > maxPort {
		minPort, maxPort = 0, 0
	}
	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make(map[int]bool),
		nextPort:  minPort,
	}
}

// Bind allocates and binds one UDP socket for a relay leg
func (pm *PortManager) Bind() (*net.UDPConn, error) {
	if pm.minPort == 0 && pm.maxPort == 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return nil, errors.Wrap(err, "binding ephemeral relay socket")
		}
		return conn, nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	total := pm.maxPort - pm.minPort + 1
	for i := 0; i < total; i++ {
		port := pm.nextPort
		pm.nextPort++
		if pm.nextPort > pm.maxPort {
			pm.nextPort = pm.minPort
		}
		if pm.usedPorts[port] {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			// something else owns the port; skip it this round
			continue
		}
		pm.usedPorts[port] = true
		return conn, nil
	}

	return nil, errors.Wrap(errors.ErrResourceExhausted, "relay port range full", map[string]interface{}{
		"min": pm.minPort,
		"max": pm.maxPort,
	})
}

// Release returns a range port to the pool. Ephemeral ports need no release
// but releasing them is harmless.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.usedPorts, port)
}
