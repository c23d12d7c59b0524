package sip

import (
	"bytes"
	"strconv"
	"strings"

	"sigbridge-server/pkg/errors"
)

// Parse decodes a SIP message from raw wire bytes.
//
// The first line decides request versus response: a line starting with the
// protocol version token is a response, anything else is a request. Headers
// run until the first empty line; everything after it is the body verbatim.
// Content-Length is treated as advisory and never checked against the actual
// body length - trailing or missing bytes pass through untouched.
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrMalformedMessage, "empty message")
	}

	head := data
	var body []byte
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		head = data[:idx]
		body = data[idx+4:]
	} else if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		head = data[:idx]
		body = data[idx+2:]
	}

	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, errors.Wrap(errors.ErrMalformedMessage, "no start line")
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			// tolerate junk header lines rather than failing the message
			continue
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		msg.Headers = append(msg.Headers, Header{Name: name, Value: value})
	}

	if len(body) > 0 {
		msg.Body = body
	}
	return msg, nil
}

// parseStartLine tokenizes the first line into a request or status line.
// Only an untokenizable first line is a parse failure.
func parseStartLine(line string) (*Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, errors.Wrap(errors.ErrMalformedMessage, "start line", map[string]interface{}{
			"line": line,
		})
	}

	if strings.HasPrefix(parts[0], "SIP/") {
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedMessage, "status code", map[string]interface{}{
				"token": parts[1],
			})
		}
		return &Message{
			Version:    parts[0],
			StatusCode: code,
			Reason:     strings.Join(parts[2:], " "),
		}, nil
	}

	return &Message{
		Method:     parts[0],
		RequestURI: parts[1],
		Version:    parts[2],
	}, nil
}

func splitLines(head []byte) []string {
	raw := strings.Split(string(head), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	return lines
}

// Serialize encodes the message for the wire: start line, headers in stored
// order, a blank line, then the body. No header is added, removed, or
// canonicalized - the caller owns the header set.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer

	if m.IsRequest() {
		buf.WriteString(m.Method)
		buf.WriteByte(' ')
		buf.WriteString(m.RequestURI)
		buf.WriteByte(' ')
		buf.WriteString(m.Version)
	} else {
		buf.WriteString(m.Version)
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(m.StatusCode))
		buf.WriteByte(' ')
		buf.WriteString(m.Reason)
	}
	buf.WriteString("\r\n")

	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	if len(m.Body) > 0 {
		buf.Write(m.Body)
	}
	return buf.Bytes()
}
