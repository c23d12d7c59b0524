package media

import (
	"net"
	"strconv"

	"github.com/pion/sdp/v3"

	"sigbridge-server/pkg/errors"
)

// Endpoint is the media destination extracted from one session description
type Endpoint struct {
	Address string
	Port    int
}

// UDPAddr resolves the endpoint to a net address
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(e.Address, strconv.Itoa(e.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "resolving media endpoint", map[string]interface{}{
			"address": e.Address,
			"port":    e.Port,
		})
	}
	return addr, nil
}

// ExtractAudioEndpoint pulls the audio media coordinates out of an SDP body:
// the first audio media line's port plus its connection address, falling back
// to the session-level connection line. A body with neither yields
// ErrNoMediaDescription - the call goes on without a relay.
func ExtractAudioEndpoint(body []byte) (Endpoint, error) {
	if len(body) == 0 {
		return Endpoint{}, errors.Wrap(errors.ErrNoMediaDescription, "empty session description")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return Endpoint{}, errors.Wrap(errors.ErrNoMediaDescription, "unparsable session description", map[string]interface{}{
			"err": err.Error(),
		})
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.MediaName.Port.Value <= 0 {
			continue
		}

		address := ""
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			address = m.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			address = desc.ConnectionInformation.Address.Address
		}
		if address == "" {
			continue
		}

		return Endpoint{Address: address, Port: m.MediaName.Port.Value}, nil
	}

	return Endpoint{}, errors.Wrap(errors.ErrNoMediaDescription, "no audio media line with connection address")
}
