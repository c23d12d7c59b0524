package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want URI
	}{
		{
			name: "bare uri",
			raw:  "sip:bob@example.com",
			want: URI{Scheme: "sip", User: "bob", Host: "example.com"},
		},
		{
			name: "with port and params",
			raw:  "sip:alice@10.0.0.1:5062;transport=tcp",
			want: URI{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5062, Params: "transport=tcp"},
		},
		{
			name: "display name and tag",
			raw:  `"Bob" <sip:bob@example.com>;tag=abc`,
			want: URI{Scheme: "sip", User: "bob", Host: "example.com"},
		},
		{
			name: "no user",
			raw:  "sip:gateway.example.net:5060",
			want: URI{Scheme: "sip", Host: "gateway.example.net", Port: 5060},
		},
		{
			name: "header params outside brackets",
			raw:  "sip:carol@example.org;tag=99",
			want: URI{Scheme: "sip", User: "carol", Host: "example.org"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseURI(tt.raw))
		})
	}
}

func TestURIAddress(t *testing.T) {
	assert.Equal(t, "bob@example.com", ParseURI("sip:bob@EXAMPLE.COM:5060").Address())
	assert.Equal(t, "example.com", ParseURI("sip:example.com").Address())
}

func TestURIString(t *testing.T) {
	u := URI{User: "bob", Host: "example.com", Port: 5080}
	assert.Equal(t, "sip:bob@example.com:5080", u.String())
}
