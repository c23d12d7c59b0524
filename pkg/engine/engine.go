package engine

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/media"
	"sigbridge-server/pkg/metrics"
	"sigbridge-server/pkg/provision"
	"sigbridge-server/pkg/registrar"
	"sigbridge-server/pkg/sip"
	"sigbridge-server/pkg/transport"
)

// Sender is the outbound half of the transport layer the engine needs.
// *transport.Manager satisfies it.
type Sender interface {
	Send(msg *sip.Message, dest transport.Destination) error
}

// Options carries the routing knobs the engine needs at construction
type Options struct {
	// LocalDomain is the domain this server is authoritative for
	LocalDomain string

	// AdvertisedHost/AdvertisedPort name this hop in Via and Contact
	// headers added to forwarded requests
	AdvertisedHost string
	AdvertisedPort int

	// ExternalRouting permits forwarding to unregistered non-local targets
	ExternalRouting bool

	// ExternalPort is the well-known signaling port of external peers
	ExternalPort int

	// DefaultExpires applies to REGISTER requests without an Expires header
	DefaultExpires int

	// IdleCallTimeout bounds calls stuck before acceptance; zero disables
	// the sweep
	IdleCallTimeout time.Duration
}

// event is one unit of work for the dispatch loop
type event struct {
	// inbound message from the shared transports
	data []byte
	src  transport.Destination

	// inbound datagram from a call-scoped socket
	callID     string
	callSocket bool
	udpSrc     *net.UDPAddr

	// deferred work posted back onto the loop
	fn func()
}

// Engine is the call routing state machine. Every message, from every
// socket, funnels through one dispatch loop; handlers run to completion,
// which serializes all access to the call table and gives each call
// implicit mutual exclusion. Handlers never block: slow work runs in its
// own goroutine and posts a continuation back onto the loop.
type Engine struct {
	logger    *logrus.Logger
	opts      Options
	directory *registrar.Directory
	relay     *media.Relay
	ext       *provision.Extension
	sender    Sender

	calls map[string]*Call

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// test seams
	nowFunc        func() time.Time
	openCallSocket func(logger *logrus.Logger, onData func([]byte, *net.UDPAddr)) (*transport.CallSocket, error)
}

// New creates a routing engine. The sender is attached separately because
// the transport manager needs the engine's receiver at its construction.
func New(logger *logrus.Logger, opts Options, directory *registrar.Directory, relay *media.Relay, ext *provision.Extension) *Engine {
	if opts.ExternalPort == 0 {
		opts.ExternalPort = 5060
	}
	if opts.DefaultExpires == 0 {
		opts.DefaultExpires = 3600
	}
	e := &Engine{
		logger:         logger,
		opts:           opts,
		directory:      directory,
		relay:          relay,
		ext:            ext,
		calls:          make(map[string]*Call),
		events:         make(chan event, 1024),
		done:           make(chan struct{}),
		nowFunc:        time.Now,
		openCallSocket: transport.OpenCallSocket,
	}
	// counted here, not in Run, so a Stop racing startup still waits for
	// the loop
	e.wg.Add(1)
	return e
}

// SetSender attaches the outbound transport
func (e *Engine) SetSender(s Sender) {
	e.sender = s
}

// Receive is the transport receiver: it only enqueues, never handles
func (e *Engine) Receive(data []byte, src transport.Destination) {
	e.post(event{data: data, src: src})
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Run drives the dispatch loop until ctx is cancelled
func (e *Engine) Run(ctx context.Context) {
	defer e.wg.Done()

	var sweep <-chan time.Time
	if e.opts.IdleCallTimeout > 0 {
		ticker := time.NewTicker(e.opts.IdleCallTimeout / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	e.logger.Info("Call routing engine started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-sweep:
			e.sweepIdleCalls()
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

// Stop unblocks any posters and waits for the loop to exit
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *Engine) dispatch(ev event) {
	switch {
	case ev.fn != nil:
		ev.fn()
	case ev.callSocket:
		e.handleCallSocketData(ev.callID, ev.data, ev.udpSrc)
	default:
		e.handleInbound(ev.data, ev.src)
	}
}

func (e *Engine) shutdown() {
	for id, call := range e.calls {
		if call.CallSocket != nil {
			call.CallSocket.Close()
		}
		e.relay.Teardown(id)
		delete(e.calls, id)
	}
	e.logger.Info("Call routing engine stopped")
}

// sweepIdleCalls bounds the lifetime of calls that never progressed past
// ringing. Accepted calls are left alone; they end via BYE.
func (e *Engine) sweepIdleCalls() {
	cutoff := e.nowFunc().Add(-e.opts.IdleCallTimeout)
	for id, call := range e.calls {
		if call.State != StateTrying && call.State != StateRinging {
			continue
		}
		if call.LastActivity.After(cutoff) {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"call_id": id,
			"state":   call.State,
		}).Warn("Terminating idle call")
		e.removeCall(call, StateEnded)
	}
}

// removeCall transitions the call to a terminal state and releases every
// resource tied to it: call socket, relay session, table entry.
func (e *Engine) removeCall(call *Call, final State) {
	call.State = final
	if call.CallSocket != nil {
		call.CallSocket.Close()
	}
	e.relay.Teardown(call.ID)
	delete(e.calls, call.ID)

	if metrics.IsMetricsEnabled() {
		metrics.ActiveCalls.Dec()
		metrics.CallDuration.Observe(e.nowFunc().Sub(call.CreatedAt).Seconds())
	}
}

// CallCount returns the number of live calls. Test and introspection aid;
// the loop owns the map, so this must only be trusted when the loop is
// quiescent.
func (e *Engine) CallCount() int {
	count := make(chan int, 1)
	e.post(event{fn: func() { count <- len(e.calls) }})
	select {
	case n := <-count:
		return n
	case <-time.After(2 * time.Second):
		return -1
	}
}

// Snapshot returns a copy of one call's externally visible state
func (e *Engine) Snapshot(callID string) (CallInfo, bool) {
	result := make(chan CallInfo, 1)
	e.post(event{fn: func() {
		call, ok := e.calls[callID]
		if !ok {
			result <- CallInfo{}
			return
		}
		result <- CallInfo{
			ID:       call.ID,
			State:    call.State,
			External: call.External,
			Exists:   true,
		}
	}})
	select {
	case info := <-result:
		return info, info.Exists
	case <-time.After(2 * time.Second):
		return CallInfo{}, false
	}
}

// CallInfo is the externally visible state of one call
type CallInfo struct {
	ID       string
	State    State
	External bool
	Exists   bool
}

// viaValue names this server as a hop on forwarded requests
func (e *Engine) viaValue() string {
	host := net.JoinHostPort(e.opts.AdvertisedHost, strconv.Itoa(e.opts.AdvertisedPort))
	return "SIP/2.0/UDP " + host + ";branch=z9hG4bK" + uuid.NewString()[:13]
}

// contactValue advertises this server in rewritten Contact headers
func (e *Engine) contactValue() string {
	return "<sip:" + net.JoinHostPort(e.opts.AdvertisedHost, strconv.Itoa(e.opts.AdvertisedPort)) + ">"
}

// send pushes a message out the shared transports, logging failures
func (e *Engine) send(msg *sip.Message, dest transport.Destination) error {
	err := e.sender.Send(msg, dest)
	if err != nil {
		e.logger.WithError(err).WithField("dest", dest.String()).Warn("Send failed")
		return err
	}
	if metrics.IsMetricsEnabled() {
		if msg.IsRequest() {
			metrics.SIPMessagesTotal.WithLabelValues(msg.Method, "out").Inc()
		} else {
			metrics.SIPResponsesTotal.WithLabelValues(strconv.Itoa(msg.StatusCode)).Inc()
		}
	}
	return nil
}

// respond builds and sends a response to the given request
func (e *Engine) respond(req *sip.Message, src transport.Destination, code int, reason string) {
	e.send(sip.NewResponse(req, code, reason), src)
}
