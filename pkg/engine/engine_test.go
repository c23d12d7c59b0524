package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigbridge-server/pkg/media"
	"sigbridge-server/pkg/provision"
	"sigbridge-server/pkg/registrar"
	"sigbridge-server/pkg/sip"
	"sigbridge-server/pkg/transport"
)

type sentMessage struct {
	msg  *sip.Message
	dest transport.Destination
}

// recordingSender captures everything the engine sends out the shared
// transports without touching the network
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(msg *sip.Message, dest transport.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{msg: msg.Clone(), dest: dest})
	return nil
}

func (r *recordingSender) find(match func(sentMessage) bool) (sentMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sent {
		if match(s) {
			return s, true
		}
	}
	return sentMessage{}, false
}

func (r *recordingSender) count(match func(sentMessage) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if match(s) {
			n++
		}
	}
	return n
}

func awaitSent(t *testing.T, r *recordingSender, what string, match func(sentMessage) bool) sentMessage {
	t.Helper()
	var got sentMessage
	require.Eventually(t, func() bool {
		s, ok := r.find(match)
		got = s
		return ok
	}, 2*time.Second, 10*time.Millisecond, "never saw %s", what)
	return got
}

func statusSentTo(code int, dest transport.Destination) func(sentMessage) bool {
	return func(s sentMessage) bool {
		return !s.msg.IsRequest() && s.msg.StatusCode == code && sameDestination(s.dest, dest)
	}
}

func methodSentTo(method string, dest transport.Destination) func(sentMessage) bool {
	return func(s sentMessage) bool {
		return s.msg.IsRequest() && s.msg.Method == method && sameDestination(s.dest, dest)
	}
}

type testRig struct {
	engine *Engine
	sender *recordingSender
	relay  *media.Relay
	cancel context.CancelFunc
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	if opts.LocalDomain == "" {
		opts.LocalDomain = "example.com"
	}
	if opts.AdvertisedHost == "" {
		opts.AdvertisedHost = "127.0.0.1"
		opts.AdvertisedPort = 5060
	}

	directory := registrar.NewDirectory(logger)
	relay := media.NewRelay(logger, media.NewPortManager(0, 0))
	ext := provision.NewExtension(logger, provision.NewFileStore(logger, "", "smdp.example.com"), "", opts.LocalDomain)

	e := New(logger, opts, directory, relay, ext)
	sender := &recordingSender{}
	e.SetSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	t.Cleanup(func() {
		cancel()
		e.Stop()
		relay.Shutdown()
	})

	return &testRig{engine: e, sender: sender, relay: relay, cancel: cancel}
}

func udpDest(ip string, port int) transport.Destination {
	return transport.UDPDestination{Addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: port}}
}

func buildRequest(method, uri, callID, from, to string, body []byte) *sip.Message {
	req := sip.NewRequest(method, uri)
	req.AddHeader(sip.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKtest")
	req.AddHeader(sip.HeaderFrom, from)
	req.AddHeader(sip.HeaderTo, to)
	req.AddHeader(sip.HeaderCallID, callID)
	req.AddHeader(sip.HeaderCSeq, "1 "+method)
	if body != nil {
		req.SetHeader(sip.HeaderContentType, "application/sdp")
		req.SetHeader(sip.HeaderContentLength, fmt.Sprintf("%d", len(body)))
		req.Body = body
	}
	return req
}

func testSDP(port int) []byte {
	return []byte(fmt.Sprintf("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=call\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP 0\r\n", port))
}

func (rig *testRig) register(t *testing.T, aorUser, contact string, dest transport.Destination) {
	t.Helper()
	reg := buildRequest(sip.MethodREGISTER, "sip:example.com", "reg-"+aorUser,
		"<sip:"+aorUser+"@example.com>;tag=r1", "<sip:"+aorUser+"@example.com>", nil)
	reg.SetHeader(sip.HeaderContact, contact)
	reg.SetHeader(sip.HeaderExpires, "3600")
	rig.engine.Receive(reg.Serialize(), dest)
	awaitSent(t, rig.sender, "REGISTER 200", statusSentTo(sip.StatusOK, dest))
}

func TestRegisterEchoesContactAndExpires(t *testing.T) {
	rig := newTestRig(t, Options{})
	dest := udpDest("10.0.0.5", 5062)

	reg := buildRequest(sip.MethodREGISTER, "sip:example.com", "reg-1",
		"<sip:alice@example.com>;tag=r1", "<sip:alice@example.com>", nil)
	reg.SetHeader(sip.HeaderContact, "<sip:alice@10.0.0.5:5062>")
	reg.SetHeader(sip.HeaderExpires, "1800")
	rig.engine.Receive(reg.Serialize(), dest)

	resp := awaitSent(t, rig.sender, "200 OK", statusSentTo(sip.StatusOK, dest))
	assert.Equal(t, "<sip:alice@10.0.0.5:5062>", resp.msg.Header(sip.HeaderContact))
	assert.Equal(t, "1800", resp.msg.Header(sip.HeaderExpires))
}

func TestInviteToUnknownTargetYields404(t *testing.T) {
	rig := newTestRig(t, Options{ExternalRouting: false})
	caller := udpDest("10.0.0.1", 5060)

	invite := buildRequest(sip.MethodINVITE, "sip:nobody@example.com", "call-404",
		"<sip:bob@example.com>;tag=b1", "<sip:nobody@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)

	awaitSent(t, rig.sender, "404", statusSentTo(sip.StatusNotFound, caller))
	assert.Equal(t, 0, rig.engine.CallCount())
}

func TestInternalCallLifecycle(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	// INVITE: caller gets 100 Trying, callee gets the rewritten INVITE
	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-life",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", testSDP(40020))
	rig.engine.Receive(invite.Serialize(), caller)

	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))
	forwarded := awaitSent(t, rig.sender, "forwarded INVITE", methodSentTo(sip.MethodINVITE, callee))
	assert.Equal(t, "sip:alice@10.0.0.5:5062", forwarded.msg.RequestURI)
	assert.Contains(t, forwarded.msg.Header(sip.HeaderContact), "127.0.0.1")
	assert.Contains(t, forwarded.msg.Headers[0].Value, "127.0.0.1:5060", "top Via must name this hop")

	info, ok := rig.engine.Snapshot("call-life")
	require.True(t, ok)
	assert.Equal(t, StateTrying, info.State)

	// 180 from the callee moves the call to ringing and reaches the caller
	ringing := sip.NewResponse(invite, sip.StatusRinging, "")
	rig.engine.Receive(ringing.Serialize(), callee)
	awaitSent(t, rig.sender, "relayed 180", statusSentTo(sip.StatusRinging, caller))

	info, _ = rig.engine.Snapshot("call-life")
	assert.Equal(t, StateRinging, info.State)

	// 200 with SDP accepts the call
	ok200 := sip.NewResponseWithBody(invite, sip.StatusOK, "", "application/sdp", testSDP(40022))
	rig.engine.Receive(ok200.Serialize(), callee)
	awaitSent(t, rig.sender, "relayed 200", statusSentTo(sip.StatusOK, caller))

	info, _ = rig.engine.Snapshot("call-life")
	assert.Equal(t, StateAccepted, info.State)

	// ACK reaches the callee and triggers the media relay
	ack := buildRequest(sip.MethodACK, "sip:alice@example.com", "call-life",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>;tag=a1", nil)
	rig.engine.Receive(ack.Serialize(), caller)
	awaitSent(t, rig.sender, "forwarded ACK", methodSentTo(sip.MethodACK, callee))

	require.Eventually(t, func() bool {
		_, ok := rig.relay.Get("call-life")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "media relay never established")

	// BYE from the callee tears everything down
	bye := buildRequest(sip.MethodBYE, "sip:bob@example.com", "call-life",
		"<sip:alice@example.com>;tag=a1", "<sip:bob@example.com>;tag=b1", nil)
	rig.engine.Receive(bye.Serialize(), callee)

	awaitSent(t, rig.sender, "forwarded BYE", methodSentTo(sip.MethodBYE, caller))
	awaitSent(t, rig.sender, "BYE 200", statusSentTo(sip.StatusOK, callee))

	assert.Equal(t, 0, rig.engine.CallCount())
	_, relayAlive := rig.relay.Get("call-life")
	assert.False(t, relayAlive, "relay session must die with the call")

	// a second BYE for the departed call gets 481
	rig.engine.Receive(bye.Serialize(), callee)
	awaitSent(t, rig.sender, "481", statusSentTo(sip.StatusCallTransactionDoesNotExist, callee))
}

func TestDuplicateInviteDoesNotCreateSecondCall(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-dup",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	rig.engine.Receive(invite.Serialize(), caller)

	// the retransmission re-emits the provisional instead of forking
	require.Eventually(t, func() bool {
		return rig.sender.count(statusSentTo(sip.StatusTrying, caller)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rig.engine.CallCount())
	assert.Equal(t, 1, rig.sender.count(methodSentTo(sip.MethodINVITE, callee)))
}

func TestCancelBeforeAcceptance(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-cancel",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	cancel := buildRequest(sip.MethodCANCEL, "sip:alice@example.com", "call-cancel",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(cancel.Serialize(), caller)

	awaitSent(t, rig.sender, "forwarded CANCEL", methodSentTo(sip.MethodCANCEL, callee))
	awaitSent(t, rig.sender, "CANCEL 200", statusSentTo(sip.StatusOK, caller))
	assert.Equal(t, 0, rig.engine.CallCount())
}

func TestCancelAfterAcceptanceYields481(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-late-cancel",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	ok200 := sip.NewResponse(invite, sip.StatusOK, "")
	rig.engine.Receive(ok200.Serialize(), callee)
	awaitSent(t, rig.sender, "relayed 200", statusSentTo(sip.StatusOK, caller))

	cancel := buildRequest(sip.MethodCANCEL, "sip:alice@example.com", "call-late-cancel",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(cancel.Serialize(), caller)

	awaitSent(t, rig.sender, "481 for late CANCEL", statusSentTo(sip.StatusCallTransactionDoesNotExist, caller))
	assert.Equal(t, 1, rig.engine.CallCount(), "accepted call must survive a late CANCEL")
}

func TestRejectionTerminatesWithoutBye(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-reject",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	busy := sip.NewResponse(invite, 486, "Busy Here")
	rig.engine.Receive(busy.Serialize(), callee)

	awaitSent(t, rig.sender, "relayed 486", statusSentTo(486, caller))
	assert.Equal(t, 0, rig.engine.CallCount())
}

func TestOptionsAndUnknownMethod(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.9", 5060)

	options := buildRequest(sip.MethodOPTIONS, "sip:example.com", "opt-1",
		"<sip:probe@example.com>;tag=o1", "<sip:example.com>", nil)
	rig.engine.Receive(options.Serialize(), src)

	resp := awaitSent(t, rig.sender, "OPTIONS 200", statusSentTo(sip.StatusOK, src))
	assert.Contains(t, resp.msg.Header(sip.HeaderAllow), sip.MethodINVITE)

	unknown := buildRequest("SUBSCRIBE", "sip:example.com", "sub-1",
		"<sip:probe@example.com>;tag=o2", "<sip:example.com>", nil)
	rig.engine.Receive(unknown.Serialize(), src)
	awaitSent(t, rig.sender, "405", statusSentTo(sip.StatusMethodNotAllowed, src))
}

func TestAckForUnknownCallIsSilentlyDropped(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.9", 5060)

	ack := buildRequest(sip.MethodACK, "sip:alice@example.com", "ghost-call",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(ack.Serialize(), src)

	// prove the drop by fencing with an ordered OPTIONS transaction
	options := buildRequest(sip.MethodOPTIONS, "sip:example.com", "fence-1",
		"<sip:probe@example.com>;tag=f1", "<sip:example.com>", nil)
	rig.engine.Receive(options.Serialize(), src)
	awaitSent(t, rig.sender, "fence 200", statusSentTo(sip.StatusOK, src))

	assert.Equal(t, 0, rig.sender.count(func(s sentMessage) bool {
		return s.msg.CallID() == "ghost-call"
	}))
}

func TestMalformedMessageDoesNotKillLoop(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.9", 5060)

	rig.engine.Receive([]byte("complete garbage"), src)

	options := buildRequest(sip.MethodOPTIONS, "sip:example.com", "after-garbage",
		"<sip:probe@example.com>;tag=g1", "<sip:example.com>", nil)
	rig.engine.Receive(options.Serialize(), src)
	awaitSent(t, rig.sender, "200 after garbage", statusSentTo(sip.StatusOK, src))
}

func TestRequestMissingMandatoryHeaders(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.9", 5060)

	req := sip.NewRequest(sip.MethodINVITE, "sip:alice@example.com")
	req.AddHeader(sip.HeaderCallID, "headless-1")
	rig.engine.Receive(req.Serialize(), src)

	awaitSent(t, rig.sender, "400", statusSentTo(sip.StatusBadRequest, src))
	assert.Equal(t, 0, rig.engine.CallCount())
}

func TestIdleCallIsSwept(t *testing.T) {
	rig := newTestRig(t, Options{IdleCallTimeout: 60 * time.Millisecond})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-idle",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	require.Eventually(t, func() bool {
		return rig.engine.CallCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "idle call never swept")
}

func TestProvisioningInviteNeverBecomesCall(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.20", 5060)

	invite := buildRequest(sip.MethodINVITE, "sip:provision@example.com", "prov-1",
		"<sip:phone@example.com>;tag=p1", "<sip:provision@example.com>", nil)
	invite.Body = []byte("PROVISION-ESIM")

	rig.engine.Receive(invite.Serialize(), src)

	resp := awaitSent(t, rig.sender, "provisioning 200", statusSentTo(sip.StatusOK, src))
	body := string(resp.msg.Body)
	assert.Contains(t, body, "iccid: ")
	assert.Contains(t, body, "imsi: ")
	assert.Contains(t, body, "msisdn: ")
	assert.Equal(t, 0, rig.engine.CallCount(), "provisioning must not create a call")
}

func TestProvisioningBadMarker(t *testing.T) {
	rig := newTestRig(t, Options{})
	src := udpDest("10.0.0.20", 5060)

	invite := buildRequest(sip.MethodINVITE, "sip:provision@example.com", "prov-bad",
		"<sip:phone@example.com>;tag=p2", "<sip:provision@example.com>", nil)
	invite.Body = []byte("HELLO")

	rig.engine.Receive(invite.Serialize(), src)
	awaitSent(t, rig.sender, "provisioning 400", statusSentTo(sip.StatusBadRequest, src))

	// the rejection goes out during INVITE dispatch itself, never by
	// re-entering the event queue: an event posted after the INVITE must
	// observe the 400 already sent
	invite.SetHeader(sip.HeaderCallID, "prov-bad-2")
	rig.engine.Receive(invite.Serialize(), src)

	ordered := make(chan bool, 1)
	rig.engine.post(event{fn: func() {
		ordered <- rig.sender.count(statusSentTo(sip.StatusBadRequest, src)) == 2
	}})
	select {
	case ok := <-ordered:
		assert.True(t, ok, "400 must precede work queued after the INVITE")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop never reached the fence event")
	}
}

func TestResponseFromStrangerDoesNotAdvanceCall(t *testing.T) {
	rig := newTestRig(t, Options{})
	caller := udpDest("10.0.0.1", 5060)
	callee := udpDest("10.0.0.5", 5062)
	stranger := udpDest("203.0.113.9", 5060)

	rig.register(t, "alice", "<sip:alice@10.0.0.5:5062>", callee)

	invite := buildRequest(sip.MethodINVITE, "sip:alice@example.com", "call-stranger",
		"<sip:bob@example.com>;tag=b1", "<sip:alice@example.com>", nil)
	rig.engine.Receive(invite.Serialize(), caller)
	awaitSent(t, rig.sender, "100 Trying", statusSentTo(sip.StatusTrying, caller))

	// a 200 from a third party that knows the Call-ID changes nothing
	forged := sip.NewResponse(invite, sip.StatusOK, "")
	rig.engine.Receive(forged.Serialize(), stranger)

	info, ok := rig.engine.Snapshot("call-stranger")
	require.True(t, ok)
	assert.Equal(t, StateTrying, info.State, "forged response must not accept the call")
	assert.Equal(t, 0, rig.sender.count(statusSentTo(sip.StatusOK, caller)))

	// the genuine callee response still lands
	ok200 := sip.NewResponse(invite, sip.StatusOK, "")
	rig.engine.Receive(ok200.Serialize(), callee)
	awaitSent(t, rig.sender, "relayed 200", statusSentTo(sip.StatusOK, caller))

	info, _ = rig.engine.Snapshot("call-stranger")
	assert.Equal(t, StateAccepted, info.State)
}

func TestStopRacingStartup(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	for i := 0; i < 50; i++ {
		directory := registrar.NewDirectory(logger)
		relay := media.NewRelay(logger, media.NewPortManager(0, 0))
		ext := provision.NewExtension(logger, provision.NewFileStore(logger, "", "smdp.example.com"), "", "example.com")

		e := New(logger, Options{LocalDomain: "example.com"}, directory, relay, ext)
		e.SetSender(&recordingSender{})

		ctx, cancel := context.WithCancel(context.Background())
		go e.Run(ctx)
		cancel()
		e.Stop()
		relay.Shutdown()
	}
}
