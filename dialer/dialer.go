// Package dialer opens outbound byte-stream connections to the
// destination named in a parsed VLESS request, with single-shot
// fallback to a configured alternate host. This gateway always dials
// the default route; there is no multi-homed or interface-binding
// machinery here.
package dialer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	C "github.com/Dreamacro/vlgate/constant"
)

// Socket is the outbound byte-stream connection the tunnel engine
// reads from and writes to. It exposes a writable half, a readable
// half (both via the embedded net.Conn), and a completion future
// (Done) that resolves when the socket closes.
type Socket struct {
	net.Conn

	once sync.Once
	done chan struct{}
	err  error
}

func wrapSocket(conn net.Conn) *Socket {
	return &Socket{Conn: conn, done: make(chan struct{})}
}

// Close closes the underlying connection and resolves Done. Safe to
// call more than once.
func (s *Socket) Close() error {
	err := s.Conn.Close()
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
	return err
}

// Done resolves, successfully or with an error, when the socket closes.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the socket closed with, if any. Only
// meaningful after Done has resolved.
func (s *Socket) Err() error {
	return s.err
}

// Dialer opens outbound TCP connections and knows about a single
// optional fallback ("proxy IP") destination, picked uniformly at
// random when more than one host is configured.
type Dialer struct {
	netDialer      net.Dialer
	fallbackHosts  []string
	connectTimeout time.Duration
}

// New builds a Dialer. fallbackHosts may be empty, meaning fallback is
// unavailable.
func New(connectTimeout time.Duration, fallbackHosts []string) *Dialer {
	return &Dialer{
		fallbackHosts:  fallbackHosts,
		connectTimeout: connectTimeout,
	}
}

// Dial opens a TCP connection to host:port. It performs no retries of
// its own — retry policy (the fallback attempt) lives in the tunnel
// engine.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16) (*Socket, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", C.ErrDialFailed, addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return wrapSocket(conn), nil
}

// FallbackAddress returns the configured fallback destination, chosen
// uniformly at random when a list is configured, or false if unset.
func (d *Dialer) FallbackAddress() (string, bool) {
	if len(d.fallbackHosts) == 0 {
		return "", false
	}
	return d.fallbackHosts[rand.Intn(len(d.fallbackHosts))], true
}
