package engine

import (
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/errors"
	"sigbridge-server/pkg/metrics"
	"sigbridge-server/pkg/sip"
	"sigbridge-server/pkg/transport"
)

// allowedMethods is advertised on OPTIONS responses
const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER"

// handleInbound parses and routes one message from the shared transports.
// Parse failures drop the message; the loop never dies on bad input.
func (e *Engine) handleInbound(data []byte, src transport.Destination) {
	msg, err := sip.Parse(data)
	if err != nil {
		e.logger.WithError(err).WithField("src", src.String()).Warn("Dropping unparsable message")
		return
	}

	if msg.IsRequest() {
		if metrics.IsMetricsEnabled() {
			metrics.SIPMessagesTotal.WithLabelValues(msg.Method, "in").Inc()
		}
		e.handleRequest(msg, src)
		return
	}
	e.handleResponse(msg, src)
}

// handleRequest routes a request by method
func (e *Engine) handleRequest(req *sip.Message, src transport.Destination) {
	if !e.requiredHeadersPresent(req) {
		e.logger.WithFields(logrus.Fields{
			"method": req.Method,
			"src":    src.String(),
		}).Warn("Request missing mandatory dialog headers")
		if req.CallID() != "" {
			e.respond(req, src, sip.StatusBadRequest, "Missing Mandatory Headers")
		}
		return
	}

	switch req.Method {
	case sip.MethodREGISTER:
		e.handleRegister(req, src)
	case sip.MethodINVITE:
		e.handleInvite(req, src)
	case sip.MethodACK:
		e.handleAck(req, src)
	case sip.MethodBYE:
		e.handleBye(req, src)
	case sip.MethodCANCEL:
		e.handleCancel(req, src)
	case sip.MethodOPTIONS:
		resp := sip.NewResponse(req, sip.StatusOK, "")
		resp.SetHeader(sip.HeaderAllow, allowedMethods)
		e.send(resp, src)
	default:
		e.respond(req, src, sip.StatusMethodNotAllowed, "")
	}
}

func (e *Engine) requiredHeadersPresent(req *sip.Message) bool {
	return req.CallID() != "" &&
		req.Header(sip.HeaderFrom) != "" &&
		req.Header(sip.HeaderTo) != "" &&
		req.CSeq() != ""
}

func (e *Engine) handleRegister(req *sip.Message, src transport.Destination) {
	aor := sip.ParseURI(req.Header(sip.HeaderTo)).Address()
	contact := req.Header(sip.HeaderContact)
	expires := req.Expires(e.opts.DefaultExpires)

	e.directory.Register(aor, contact, expires, src)

	if metrics.IsMetricsEnabled() {
		metrics.RegistrationsActive.Set(float64(e.directory.Count()))
	}

	resp := sip.NewResponse(req, sip.StatusOK, "")
	if contact != "" {
		resp.SetHeader(sip.HeaderContact, contact)
	}
	resp.SetHeader(sip.HeaderExpires, strconv.Itoa(expires))
	e.send(resp, src)
}

func (e *Engine) handleInvite(req *sip.Message, src transport.Destination) {
	callID := req.CallID()
	logger := e.logger.WithField("call_id", callID)

	if e.ext != nil && e.ext.Matches(req) {
		// provisioning is transactional: no call object, ever. The response
		// is sent straight out rather than re-queued; sending touches no
		// loop-owned state, so the callback is safe from any goroutine and
		// a synchronous rejection never posts to the loop from itself.
		e.ext.Handle(req, func(resp *sip.Message) {
			e.send(resp, src)
		})
		return
	}

	if existing, ok := e.calls[callID]; ok && !existing.State.Terminal() {
		// Retransmitted INVITE for a live call. Re-emit the last
		// provisional response instead of creating a second call.
		logger.Debug("Duplicate INVITE for live call, re-emitting provisional")
		if existing.LastProvisional != nil {
			e.send(existing.LastProvisional, existing.CallerTransport)
		}
		return
	}

	target := sip.ParseURI(req.RequestURI)

	if reg, ok := e.directory.Lookup(target.Address()); ok {
		e.startInternalCall(req, src, reg.Contact, reg.Transport)
		return
	}

	if e.opts.ExternalRouting && target.Host != "" && !strings.EqualFold(target.Host, e.opts.LocalDomain) {
		e.startExternalCall(req, src, target)
		return
	}

	logger.WithField("target", target.Address()).Info("INVITE for unknown target")
	e.respond(req, src, sip.StatusNotFound, "")
}

// startInternalCall forwards an INVITE to a registered endpoint
func (e *Engine) startInternalCall(req *sip.Message, src transport.Destination, contact string, calleeDest transport.Destination) {
	callID := req.CallID()
	now := e.nowFunc()

	call := &Call{
		ID:              callID,
		FromURI:         req.Header(sip.HeaderFrom),
		ToURI:           req.Header(sip.HeaderTo),
		CallerTransport: src,
		CalleeTransport: calleeDest,
		Offer:           req.Body,
		State:           StateTrying,
		CreatedAt:       now,
		LastActivity:    now,
	}
	e.calls[callID] = call
	if metrics.IsMetricsEnabled() {
		metrics.ActiveCalls.Inc()
	}

	trying := sip.NewResponse(req, sip.StatusTrying, "")
	call.LastProvisional = trying
	e.send(trying, src)

	forward := req.Clone()
	forward.RequestURI = sip.ParseURI(contact).String()
	e.pushVia(forward)
	forward.SetHeader(sip.HeaderContact, e.contactValue())

	if err := e.send(forward, calleeDest); err != nil {
		e.logger.WithError(err).WithField("call_id", callID).Error("Could not reach registered endpoint")
		e.respond(req, src, sip.StatusServerInternalError, "")
		e.removeCall(call, StateRejected)
		return
	}

	e.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"contact": contact,
	}).Info("INVITE forwarded to registered endpoint")
}

// pushVia prepends this server's Via to the header block, keeping the
// existing chain below it
func (e *Engine) pushVia(msg *sip.Message) {
	vias := make([]string, 0, 2)
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Name, sip.HeaderVia) && h.Value != "" {
			vias = append(vias, h.Value)
		}
	}
	msg.DelHeader(sip.HeaderVia)

	rebuilt := append([]string{e.viaValue()}, vias...)
	// insert at the front of the header block, standard proxy shape
	headers := make([]sip.Header, 0, len(msg.Headers)+len(rebuilt))
	for _, v := range rebuilt {
		headers = append(headers, sip.Header{Name: sip.HeaderVia, Value: v})
	}
	msg.Headers = append(headers, msg.Headers...)
}

// popVia removes this server's topmost Via from a relayed response
func popVia(msg *sip.Message) {
	for i, h := range msg.Headers {
		if strings.EqualFold(h.Name, sip.HeaderVia) {
			msg.Headers = append(msg.Headers[:i], msg.Headers[i+1:]...)
			return
		}
	}
}

func (e *Engine) handleAck(req *sip.Message, src transport.Destination) {
	call, ok := e.calls[req.CallID()]
	if !ok {
		// ACK never gets a response; nothing to say to anyone
		return
	}
	call.LastActivity = e.nowFunc()

	// a delayed offer rides on the ACK
	if len(call.Offer) == 0 && len(req.Body) > 0 {
		call.Offer = req.Body
	}

	e.forwardInDialog(call, req, src)

	if call.State == StateAccepted && len(call.Offer) > 0 && len(call.Answer) > 0 {
		if _, err := e.relay.Setup(call.ID, call.Offer, call.Answer); err != nil {
			if errors.Is(err, errors.ErrNoMediaDescription) {
				e.logger.WithField("call_id", call.ID).Warn("Call proceeds without media relay")
			} else {
				e.logger.WithError(err).WithField("call_id", call.ID).Error("Media relay setup failed")
			}
		}
	}
}

func (e *Engine) handleBye(req *sip.Message, src transport.Destination) {
	call, ok := e.calls[req.CallID()]
	if !ok {
		e.respond(req, src, sip.StatusCallTransactionDoesNotExist, "")
		return
	}

	e.forwardInDialog(call, req, src)
	e.respond(req, src, sip.StatusOK, "")
	e.removeCall(call, StateEnded)

	e.logger.WithField("call_id", call.ID).Info("Call ended")
}

func (e *Engine) handleCancel(req *sip.Message, src transport.Destination) {
	call, ok := e.calls[req.CallID()]
	if !ok || call.State == StateAccepted {
		// cancellation only reaches calls not yet accepted
		e.respond(req, src, sip.StatusCallTransactionDoesNotExist, "")
		return
	}

	e.forwardInDialog(call, req, src)
	e.respond(req, src, sip.StatusOK, "")
	e.removeCall(call, StateCancelled)

	e.logger.WithField("call_id", call.ID).Info("Call cancelled")
}

// forwardInDialog relays an in-dialog request to the leg opposite the one
// it arrived on. Transparent proxying: the message is passed through with
// only the Via chain touched.
func (e *Engine) forwardInDialog(call *Call, req *sip.Message, src transport.Destination) {
	forward := req.Clone()
	e.pushVia(forward)

	if call.fromCaller(src) {
		if call.External {
			if call.CallSocket != nil && call.RemoteAddr != nil {
				if err := call.CallSocket.Send(forward, call.RemoteAddr); err != nil {
					e.logger.WithError(err).WithField("call_id", call.ID).Warn("Forward to external peer failed")
				}
			}
			return
		}
		if call.CalleeTransport != nil {
			e.send(forward, call.CalleeTransport)
		}
		return
	}

	e.send(forward, call.CallerTransport)
}

// handleResponse relays a response from the callee leg back to the caller,
// advancing the call state as final and provisional responses arrive.
func (e *Engine) handleResponse(resp *sip.Message, src transport.Destination) {
	call, ok := e.calls[resp.CallID()]
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"call_id": resp.CallID(),
			"status":  resp.StatusCode,
		}).Debug("Dropping response for unknown call")
		return
	}

	// only the callee leg may advance the call; external calls take their
	// responses on the call socket, never here
	if call.External || !sameDestination(src, call.CalleeTransport) {
		e.logger.WithFields(logrus.Fields{
			"call_id": call.ID,
			"src":     src.String(),
		}).Debug("Dropping response from outside the callee leg")
		return
	}
	call.LastActivity = e.nowFunc()

	// our own 100 is hop-by-hop; the callee's needs no relaying either
	if resp.StatusCode == sip.StatusTrying {
		return
	}

	relayed := resp.Clone()
	popVia(relayed)
	e.advanceCall(call, resp, relayed)
}

// advanceCall applies a response to the state machine and relays it to the
// caller leg. Used by both the internal path and the call-socket path.
func (e *Engine) advanceCall(call *Call, resp *sip.Message, relayed *sip.Message) {
	isInvite := resp.CSeqMethod() == sip.MethodINVITE || resp.CSeqMethod() == ""

	switch {
	case resp.StatusCode < 200:
		if isInvite && call.State == StateTrying {
			call.State = StateRinging
		}
		call.LastProvisional = relayed
		e.send(relayed, call.CallerTransport)

	case resp.StatusCode < 300:
		if isInvite && !call.State.Terminal() {
			call.State = StateAccepted
			if len(resp.Body) > 0 {
				call.Answer = resp.Body
			}
		}
		e.send(relayed, call.CallerTransport)

	default:
		// non-2xx final: the call dies here, no BYE required
		e.send(relayed, call.CallerTransport)
		if isInvite && !call.State.Terminal() {
			e.removeCall(call, StateRejected)
			e.logger.WithFields(logrus.Fields{
				"call_id": call.ID,
				"status":  resp.StatusCode,
			}).Info("Call rejected by far end")
		}
	}
}

// handleCallSocketData processes a datagram from a call-scoped socket:
// responses from the external peer, or in-dialog requests it originates.
func (e *Engine) handleCallSocketData(callID string, data []byte, src *net.UDPAddr) {
	call, ok := e.calls[callID]
	if !ok {
		// the call ended while the datagram was in flight
		return
	}
	call.LastActivity = e.nowFunc()

	msg, err := sip.Parse(data)
	if err != nil {
		e.logger.WithError(err).WithField("call_id", callID).Warn("Dropping unparsable message on call socket")
		return
	}

	if msg.IsRequest() {
		e.handleExternalRequest(call, msg, src)
		return
	}

	if msg.CallID() != callID {
		e.logger.WithField("call_id", callID).Debug("Call socket response with foreign Call-ID dropped")
		return
	}
	if msg.StatusCode == sip.StatusTrying {
		return
	}

	// relayed verbatim: the external peer's response already carries the
	// caller's Via chain below ours
	relayed := msg.Clone()
	popVia(relayed)
	e.advanceCall(call, msg, relayed)
}

// handleExternalRequest serves requests the external peer sends on the
// call socket. Only BYE changes anything; the rest is noise for this hop.
func (e *Engine) handleExternalRequest(call *Call, req *sip.Message, src *net.UDPAddr) {
	switch req.Method {
	case sip.MethodBYE:
		forward := req.Clone()
		e.pushVia(forward)
		e.send(forward, call.CallerTransport)

		if call.CallSocket != nil {
			if err := call.CallSocket.Send(sip.NewResponse(req, sip.StatusOK, ""), src); err != nil {
				e.logger.WithError(err).WithField("call_id", call.ID).Warn("BYE response to external peer failed")
			}
		}
		e.removeCall(call, StateEnded)
		e.logger.WithField("call_id", call.ID).Info("Call ended by external peer")

	case sip.MethodACK:
		// the peer acknowledging our relayed final response; consume

	default:
		if call.CallSocket != nil {
			call.CallSocket.Send(sip.NewResponse(req, sip.StatusMethodNotAllowed, ""), src)
		}
	}
}
