package engine

import (
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/metrics"
	"sigbridge-server/pkg/sip"
	"sigbridge-server/pkg/transport"
)

// startExternalCall routes an INVITE for an unregistered, non-local target
// to its host's well-known signaling port. A fresh UDP socket is dedicated
// to the call so responses from the peer can be matched back without
// touching the shared socket; its read loop posts onto the dispatch loop,
// acting as the response continuation for this call-id.
func (e *Engine) startExternalCall(req *sip.Message, src transport.Destination, target sip.URI) {
	callID := req.CallID()
	logger := e.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"target":  target.Host,
	})

	port := target.Port
	if port == 0 {
		port = e.opts.ExternalPort
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(target.Host, strconv.Itoa(port)))
	if err != nil {
		logger.WithError(err).Warn("External target does not resolve")
		e.respond(req, src, sip.StatusNotFound, "")
		return
	}

	callSocket, err := e.openCallSocket(e.logger, func(data []byte, from *net.UDPAddr) {
		e.post(event{callSocket: true, callID: callID, data: data, udpSrc: from})
	})
	if err != nil {
		logger.WithError(err).Error("Could not open call-scoped socket")
		e.respond(req, src, sip.StatusServerInternalError, "")
		return
	}

	now := e.nowFunc()
	call := &Call{
		ID:              callID,
		FromURI:         req.Header(sip.HeaderFrom),
		ToURI:           req.Header(sip.HeaderTo),
		CallerTransport: src,
		Offer:           req.Body,
		State:           StateTrying,
		External:        true,
		CallSocket:      callSocket,
		RemoteAddr:      remote,
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
	e.pushVia(forward)
	forward.SetHeader(sip.HeaderContact, e.contactValue())

	if err := callSocket.Send(forward, remote); err != nil {
		// the half-created call is useless without its forwarded INVITE
		logger.WithError(err).Error("Could not forward INVITE to external peer")
		e.respond(req, src, sip.StatusServerInternalError, "")
		e.removeCall(call, StateRejected)
		return
	}

	logger.WithField("remote", remote.String()).Info("INVITE routed externally")
}
