package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// SIP version token used on every start line
const Version = "SIP/2.0"

// SIP methods understood by the server
const (
	MethodINVITE   = "INVITE"
	MethodACK      = "ACK"
	MethodBYE      = "BYE"
	MethodCANCEL   = "CANCEL"
	MethodREGISTER = "REGISTER"
	MethodOPTIONS  = "OPTIONS"
)

// Response status codes used by the routing engine
const (
	StatusTrying                      = 100
	StatusRinging                     = 180
	StatusOK                          = 200
	StatusBadRequest                  = 400
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusCallTransactionDoesNotExist = 481
	StatusServerInternalError         = 500
)

// Header names used throughout the server
const (
	HeaderVia           = "Via"
	HeaderFrom          = "From"
	HeaderTo            = "To"
	HeaderCallID        = "Call-ID"
	HeaderCSeq          = "CSeq"
	HeaderContact       = "Contact"
	HeaderExpires       = "Expires"
	HeaderMaxForwards   = "Max-Forwards"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderAllow         = "Allow"
	HeaderUserAgent     = "User-Agent"
)

// StatusText returns the canonical reason phrase for the given status code
func StatusText(code int) string {
	switch code {
	case StatusTrying:
		return "Trying"
	case StatusRinging:
		return "Ringing"
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad Request"
	case StatusNotFound:
		return "Not Found"
	case StatusMethodNotAllowed:
		return "Method Not Allowed"
	case StatusCallTransactionDoesNotExist:
		return "Call/Transaction Does Not Exist"
	case StatusServerInternalError:
		return "Server Internal Error"
	default:
		return "Unknown"
	}
}

// Header is one name/value pair. Order is preserved as supplied by the
// caller or the wire; lookups are case-insensitive with last-wins semantics.
type Header struct {
	Name  string
	Value string
}

// Message represents a parsed SIP message, either a request or a response.
type Message struct {
	// Request fields (populated when IsRequest() is true)
	Method     string
	RequestURI string
	Version    string

	// Response fields (populated when IsRequest() is false)
	StatusCode int
	Reason     string

	Headers []Header
	Body    []byte
}

// IsRequest reports whether the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// Header returns the value of the last header with the given name,
// or the empty string if no such header exists.
func (m *Message) Header(name string) string {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if strings.EqualFold(m.Headers[i].Name, name) {
			return m.Headers[i].Value
		}
	}
	return ""
}

// HasHeader reports whether a header with the given name is present
func (m *Message) HasHeader(name string) bool {
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Name, name) {
			return true
		}
	}
	return false
}

// SetHeader replaces the last header with the given name, or appends
// a new one if none exists.
func (m *Message) SetHeader(name, value string) {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if strings.EqualFold(m.Headers[i].Name, name) {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// AddHeader appends a header without touching existing ones of the same name
func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// DelHeader removes every header with the given name
func (m *Message) DelHeader(name string) {
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.Headers = kept
}

// CallID returns the Call-ID header value
func (m *Message) CallID() string {
	return m.Header(HeaderCallID)
}

// CSeq returns the CSeq header value
func (m *Message) CSeq() string {
	return m.Header(HeaderCSeq)
}

// CSeqMethod returns the method portion of the CSeq header, e.g. "INVITE"
// from "1 INVITE". Empty when the header is absent or has no method token.
func (m *Message) CSeqMethod() string {
	parts := strings.Fields(m.CSeq())
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Expires returns the parsed Expires header, or def when absent or invalid
func (m *Message) Expires(def int) int {
	raw := strings.TrimSpace(m.Header(HeaderExpires))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	out := *m
	out.Headers = make([]Header, len(m.Headers))
	copy(out.Headers, m.Headers)
	if m.Body != nil {
		out.Body = make([]byte, len(m.Body))
		copy(out.Body, m.Body)
	}
	return &out
}

// NewRequest builds a request message with the mandatory start line fields
func NewRequest(method, requestURI string) *Message {
	return &Message{
		Method:     method,
		RequestURI: requestURI,
		Version:    Version,
	}
}

// NewResponse builds a response to the given request, copying the dialog
// headers (Via, From, To, Call-ID, CSeq) so the originator can correlate it.
func NewResponse(req *Message, code int, reason string) *Message {
	if reason == "" {
		reason = StatusText(code)
	}
	resp := &Message{
		Version:    Version,
		StatusCode: code,
		Reason:     reason,
	}
	for _, name := range []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq} {
		if v := req.Header(name); v != "" {
			resp.AddHeader(name, v)
		}
	}
	resp.SetHeader(HeaderContentLength, "0")
	return resp
}

// NewResponseWithBody builds a response carrying a body and content type
func NewResponseWithBody(req *Message, code int, reason, contentType string, body []byte) *Message {
	resp := NewResponse(req, code, reason)
	resp.SetHeader(HeaderContentType, contentType)
	resp.SetHeader(HeaderContentLength, fmt.Sprintf("%d", len(body)))
	resp.Body = body
	return resp
}
