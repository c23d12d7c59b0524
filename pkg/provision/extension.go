package provision

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/metrics"
	"sigbridge-server/pkg/sip"
)

// ProvisionMarker is the exact body a client sends to request a profile
const ProvisionMarker = "PROVISION-ESIM"

// DefaultProvisionUser is the reserved user part of the provisioning address
const DefaultProvisionUser = "provision"

// Extension intercepts INVITEs aimed at the reserved provisioning address
// and answers them with freshly minted profile data. It never creates a
// call; the response always terminates the exchange.
type Extension struct {
	logger *logrus.Logger
	store  ProfileStore
	user   string
	domain string
}

// NewExtension wires the extension to a profile store. user overrides the
// reserved user part; empty selects the default. domain is the local
// domain the provisioning address lives at.
func NewExtension(logger *logrus.Logger, store ProfileStore, user, domain string) *Extension {
	if user == "" {
		user = DefaultProvisionUser
	}
	return &Extension{
		logger: logger,
		store:  store,
		user:   user,
		domain: domain,
	}
}

// Matches reports whether the request targets the provisioning address:
// the reserved user at the local domain. The same user at a foreign host
// is an ordinary routing target, not a provisioning request.
func (e *Extension) Matches(req *sip.Message) bool {
	target := sip.ParseURI(req.RequestURI)
	if !strings.EqualFold(target.User, e.user) {
		return false
	}
	return e.domain == "" || strings.EqualFold(target.Host, e.domain)
}

// Handle processes one provisioning INVITE. The store call runs in its own
// goroutine so a slow mint never stalls the dispatch loop; done is invoked
// with the finished response, from that goroutine.
func (e *Extension) Handle(req *sip.Message, done func(resp *sip.Message)) {
	logger := e.logger.WithField("call_id", req.CallID())

	if strings.TrimSpace(string(req.Body)) != ProvisionMarker {
		logger.Warn("Provisioning request with unrecognized body rejected")
		if metrics.IsMetricsEnabled() {
			metrics.ProvisioningRequestsTotal.WithLabelValues("bad_request").Inc()
		}
		done(sip.NewResponse(req, sip.StatusBadRequest, "Unrecognized Provisioning Body"))
		return
	}

	ownerHint := sip.ParseURI(req.Header(sip.HeaderFrom)).Address()

	go func() {
		profile, err := e.store.Mint(ownerHint)
		if err != nil {
			logger.WithError(err).Error("Profile store failed to mint identity")
			if metrics.IsMetricsEnabled() {
				metrics.ProvisioningRequestsTotal.WithLabelValues("store_failure").Inc()
			}
			done(sip.NewResponse(req, sip.StatusServerInternalError, "Provisioning Failed"))
			return
		}

		if metrics.IsMetricsEnabled() {
			metrics.ProvisioningRequestsTotal.WithLabelValues("ok").Inc()
		}
		logger.WithField("profile_id", profile.ID).Info("Provisioning request fulfilled")
		done(sip.NewResponseWithBody(req, sip.StatusOK, "", "text/plain", formatProfile(profile)))
	}()
}

// formatProfile renders the fixed key:value block clients parse
func formatProfile(p *Profile) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "msisdn: %s\r\n", p.MSISDN)
	fmt.Fprintf(&b, "iccid: %s\r\n", p.ICCID)
	fmt.Fprintf(&b, "imsi: %s\r\n", p.IMSI)
	fmt.Fprintf(&b, "ki: %s\r\n", p.Ki)
	fmt.Fprintf(&b, "opc: %s\r\n", p.OPC)
	fmt.Fprintf(&b, "status: %s\r\n", p.Status)
	fmt.Fprintf(&b, "activation-code: %s\r\n", p.ActivationCode)
	return []byte(b.String())
}
