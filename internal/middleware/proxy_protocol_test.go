package middleware

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyProtocol(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"tcp4", "PROXY TCP4 203.0.113.7 10.0.0.1 51234 443\r\n", "203.0.113.7:51234", false},
		{"tcp6", "PROXY TCP6 2001:db8::1 2001:db8::2 4000 443\r\n", "[2001:db8::1]:4000", false},
		{"not proxy", "GET / HTTP/1.1\r\n", "", true},
		{"short", "PROXY TCP4 1.2.3.4\r\n", "", true},
		{"unknown proto", "PROXY UDP4 1.2.3.4 5.6.7.8 1 2\r\n", "", true},
		{"bad ip", "PROXY TCP4 nope 5.6.7.8 1 2\r\n", "", true},
		{"bad port", "PROXY TCP4 1.2.3.4 5.6.7.8 x 2\r\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseProxyProtocol(bufio.NewReader(strings.NewReader(tt.header)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestProxyListener_KeepsPayloadAfterHeader(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &ProxyListener{Listener: inner, HeaderTimeout: time.Second}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", inner.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("PROXY TCP4 198.51.100.4 10.0.0.1 40000 8000\r\nhello"))
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "198.51.100.4:40000", conn.RemoteAddr().String())
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}
