package middleware

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ParseProxyProtocol reads a PROXY protocol v1 header from reader and
// returns the source address it announces.
func ParseProxyProtocol(reader *bufio.Reader) (*net.TCPAddr, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read proxy protocol header: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")

	// PROXY protocol v1: "PROXY TCP4 srcIP dstIP srcPort dstPort"
	if !strings.HasPrefix(line, "PROXY ") {
		return nil, fmt.Errorf("invalid proxy protocol header")
	}

	parts := strings.Fields(line)
	if len(parts) < 6 {
		return nil, fmt.Errorf("invalid proxy protocol header: not enough fields")
	}

	proto := parts[1]
	if proto != "TCP4" && proto != "TCP6" {
		return nil, fmt.Errorf("unsupported proxy protocol: %s", proto)
	}

	srcIP := net.ParseIP(parts[2])
	if srcIP == nil {
		return nil, fmt.Errorf("invalid source IP: %s", parts[2])
	}
	port, err := strconv.Atoi(parts[4])
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid source port: %s", parts[4])
	}
	return &net.TCPAddr{IP: srcIP, Port: port}, nil
}

// ProxyListener accepts connections from a load balancer that prefixes
// each one with a PROXY v1 header and reports the announced client as the
// connection's remote address.
type ProxyListener struct {
	net.Listener
	HeaderTimeout time.Duration
}

func (l *ProxyListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	timeout := l.HeaderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	reader := bufio.NewReader(conn)
	addr, err := ParseProxyProtocol(reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, &proxyHeaderError{err: err}
	}
	return &proxyConn{Conn: conn, reader: reader, remote: addr}, nil
}

// proxyHeaderError is temporary so http.Server keeps accepting after one
// bad client.
type proxyHeaderError struct{ err error }

func (e *proxyHeaderError) Error() string   { return e.err.Error() }
func (e *proxyHeaderError) Unwrap() error   { return e.err }
func (e *proxyHeaderError) Timeout() bool   { return false }
func (e *proxyHeaderError) Temporary() bool { return true }

type proxyConn struct {
	net.Conn
	reader *bufio.Reader
	remote net.Addr
}

func (c *proxyConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *proxyConn) RemoteAddr() net.Addr {
	return c.remote
}
