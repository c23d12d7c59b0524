package sip

import (
	"strconv"
	"strings"
)

// URI is a decomposed SIP URI. Parameters past the host-port are kept as an
// opaque suffix; the router only needs user, host, and port.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Params string
}

// ParseURI decomposes a SIP URI such as "sip:alice@example.com:5060;transport=tcp".
// Surrounding angle brackets and a display name, as found in From/To/Contact
// headers, are stripped first. Parsing is lenient: anything that does not
// look like a URI still yields a best-effort host so routing can proceed.
func ParseURI(raw string) URI {
	raw = strings.TrimSpace(raw)

	// Strip display name and angle brackets: `"Alice" <sip:...>;tag=x`
	if open := strings.Index(raw, "<"); open >= 0 {
		if close := strings.Index(raw[open:], ">"); close > 0 {
			raw = raw[open+1 : open+close]
		} else {
			raw = raw[open+1:]
		}
	} else if semi := strings.Index(raw, ";"); semi >= 0 {
		// Header parameters (e.g. ;tag=) only bind outside brackets
		raw = raw[:semi]
	}

	var u URI
	if colon := strings.Index(raw, ":"); colon >= 0 && !strings.Contains(raw[:colon], "@") {
		scheme := raw[:colon]
		if scheme == "sip" || scheme == "sips" || scheme == "tel" {
			u.Scheme = scheme
			raw = raw[colon+1:]
		}
	}

	if semi := strings.Index(raw, ";"); semi >= 0 {
		u.Params = raw[semi+1:]
		raw = raw[:semi]
	}

	if at := strings.Index(raw, "@"); at >= 0 {
		u.User = raw[:at]
		raw = raw[at+1:]
	}

	if colon := strings.LastIndex(raw, ":"); colon >= 0 {
		if port, err := strconv.Atoi(raw[colon+1:]); err == nil {
			u.Port = port
			raw = raw[:colon]
		}
	}
	u.Host = raw

	return u
}

// Address returns the canonical user@host form used as a registrar key
func (u URI) Address() string {
	if u.User == "" {
		return strings.ToLower(u.Host)
	}
	return u.User + "@" + strings.ToLower(u.Host)
}

// String reassembles the URI without header-level parameters
func (u URI) String() string {
	var b strings.Builder
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	b.WriteString(scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	if u.Params != "" {
		b.WriteByte(';')
		b.WriteString(u.Params)
	}
	return b.String()
}
