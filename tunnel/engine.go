package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	C "github.com/Dreamacro/vlgate/constant"
	"github.com/Dreamacro/vlgate/dialer"
	"github.com/Dreamacro/vlgate/identity"
	"github.com/Dreamacro/vlgate/log"
	"github.com/Dreamacro/vlgate/transport/vless"
	"github.com/Dreamacro/vlgate/wsconn"
)

// downstreamBufferSize is the read chunk size for the outbound socket;
// no particular framing applies to TCP, so any size works, but a larger
// buffer amortises WebSocket frame overhead.
const downstreamBufferSize = 32 * 1024

// Config holds the bounded waits applied independently at each
// suspension point in a session's lifecycle.
type Config struct {
	HeaderTimeout  time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Engine drives one VLESS-over-WebSocket session at a time per Run call;
// it holds no per-session state of its own, only the process-wide
// collaborators every session shares (identity store, outbound dialer).
type Engine struct {
	identity *identity.Store
	dialer   *dialer.Dialer
	cfg      Config
}

// New builds an Engine. A zero IdleTimeout disables the idle watchdog.
// HeaderTimeout and ConnectTimeout are always applied as context
// deadlines, so a zero value for either leaves no time for that step.
func New(store *identity.Store, d *dialer.Dialer, cfg Config) *Engine {
	return &Engine{identity: store, dialer: d, cfg: cfg}
}

// Run drives one WebSocket through Await-Header → Dialing → Streaming
// to completion. It always leaves stream closed before returning.
func (e *Engine) Run(ctx context.Context, stream *wsconn.Stream) {
	session := newSession()

	req, residual, err := e.awaitHeader(ctx, stream)
	if err != nil {
		e.rejectSession(stream, err)
		return
	}
	session.header = req
	session.headerParsed = true

	socket, err := e.dialPrimary(ctx, req, residual)
	if err != nil {
		log.Warnln("[Tunnel] primary dial to %s:%d failed: %v", req.Address, req.Port, err)
		socket, err = e.fallbackDial(ctx, session, req, residual)
		if err != nil {
			log.Warnln("[Tunnel] fallback dial failed: %v", err)
			_ = stream.Close(wsconn.StatusInternalError, "dial failed")
			return
		}
	}
	defer socket.Close()

	if err := e.runStreaming(ctx, stream, socket, session, req, residual); err != nil {
		log.Debugln("[Tunnel] session %s:%d ended: %v", req.Address, req.Port, err)
	}
	_ = stream.Close(wsconn.StatusNormalClosure, "")
}

// rejectSession closes the WebSocket with the close code that matches
// err's kind, without ever having opened an outbound dial.
func (e *Engine) rejectSession(stream *wsconn.Stream, err error) {
	kind := C.KindOf(err)
	log.Warnln("[Tunnel] rejecting session: %v", err)
	switch kind {
	case C.KindAuthRejected:
		_ = stream.Close(wsconn.StatusPolicyViolation, "rejected")
	case C.KindTimeout:
		// A header-wait timeout is a TransportError at its stage
		// (spec.md §7), not a malformed request; keep its close code
		// distinct from KindMalformedHeader's.
		_ = stream.Close(wsconn.StatusInternalError, "header timeout")
	default:
		_ = stream.Close(wsconn.StatusProtocolError, "malformed request")
	}
}

// awaitHeader implements the Await-Header state: wait for the first
// inbound chunk under the header timeout, parse it, reject UDP to a
// port other than 53, and consult the identity store. The returned
// residual slice is a copy, safe to retain past the chunk's buffer.
func (e *Engine) awaitHeader(ctx context.Context, stream *wsconn.Stream) (*vless.Request, []byte, error) {
	headerCtx, cancel := context.WithTimeout(ctx, e.cfg.HeaderTimeout)
	defer cancel()

	chunk, err := stream.Next(headerCtx)
	if err != nil {
		if errors.Is(headerCtx.Err(), context.DeadlineExceeded) {
			return nil, nil, C.NewError(C.KindTimeout, err)
		}
		return nil, nil, err
	}

	req, err := vless.Parse(chunk)
	if err != nil {
		return nil, nil, err
	}

	if req.Command == vless.CommandUDP && req.Port != 53 {
		return nil, nil, C.ErrUnsupportedUDP
	}

	if !e.identity.Accept(req.Identifier) {
		return nil, nil, C.ErrAuthRejected
	}

	residual := append([]byte(nil), chunk[req.PayloadOffset:]...)
	return req, residual, nil
}

// dialPrimary implements the Dialing state: dial the declared
// destination (or install the DNS-UDP framer, for the UDP/port-53
// specialisation) and write the residual payload before handing the
// socket back. A write failure here is reported the same as a dial
// failure, so the caller falls through to Fallback-Dialing either way.
func (e *Engine) dialPrimary(ctx context.Context, req *vless.Request, residual []byte) (*dialer.Socket, error) {
	socket, err := e.dial(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(residual) > 0 {
		if _, err := socket.Write(residual); err != nil {
			socket.Close()
			return nil, fmt.Errorf("%w: residual write: %v", C.ErrDialFailed, err)
		}
	}
	return socket, nil
}

func (e *Engine) dial(ctx context.Context, req *vless.Request) (*dialer.Socket, error) {
	if req.Command == vless.CommandUDP {
		return e.dialer.DialDNSUDP(req.Address)
	}
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	return e.dialer.Dial(dialCtx, req.Address, req.Port)
}

// fallbackDial implements the Fallback-Dialing state. It is called both
// from the initial dial failure path and from the in-stream "no bytes
// received" refinement; session.fallbackAttempted is the single gate
// enforcing the at-most-once rule across both call sites.
func (e *Engine) fallbackDial(ctx context.Context, session *Session, req *vless.Request, residual []byte) (*dialer.Socket, error) {
	if session.fallbackAttempted {
		return nil, C.ErrFallbackUnavailable
	}

	host, ok := e.dialer.FallbackAddress()
	if !ok {
		return nil, C.ErrFallbackUnavailable
	}
	session.fallbackAttempted = true

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	socket, err := e.dialer.Dial(dialCtx, host, req.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback %s: %v", C.ErrDialFailed, host, err)
	}

	if len(residual) > 0 {
		if _, err := socket.Write(residual); err != nil {
			socket.Close()
			return nil, fmt.Errorf("%w: fallback residual write: %v", C.ErrDialFailed, err)
		}
	}
	return socket, nil
}

// outboundRef lets the downstream loop swap in a freshly fallback-dialed
// socket mid-session while the upstream pump keeps writing through the
// same reference, so a fallback redial restarts only the downstream
// pump.
type outboundRef struct {
	mu     sync.Mutex
	socket *dialer.Socket
}

func (r *outboundRef) get() *dialer.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket
}

func (r *outboundRef) swap(next *dialer.Socket) *dialer.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.socket
	r.socket = next
	return prev
}

// runStreaming implements the Streaming state: the upstream and
// downstream pumps run as peer tasks under a shared cancellable context,
// with an idle watchdog that cancels the session after a quiet period in
// both directions. closeOutboundOnCancel mirrors wsconn.Stream.Next's
// own ctx.Done()-closes-the-conn pattern on the outbound side, so a
// downstream pump blocked in a bare socket.Read is unblocked promptly
// instead of leaking past session end.
func (e *Engine) runStreaming(ctx context.Context, stream *wsconn.Stream, socket *dialer.Socket, session *Session, req *vless.Request, residual []byte) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := make(chan struct{}, 1)
	go idleWatchdog(streamCtx, cancel, e.cfg.IdleTimeout, activity)

	ref := &outboundRef{socket: socket}
	go closeOutboundOnCancel(streamCtx, ref)

	group, gctx := errgroup.WithContext(streamCtx)
	group.Go(func() error {
		defer cancel()
		return e.pumpUpstream(gctx, stream, ref, session, activity)
	})

	downstreamErr := e.pumpDownstreamWithFallback(gctx, stream, ref, session, req, residual, activity)
	cancel()
	upstreamErr := group.Wait()

	if downstreamErr != nil {
		return downstreamErr
	}
	return upstreamErr
}

// closeOutboundOnCancel closes whichever outbound socket ref currently
// points at once ctx is cancelled — by the idle watchdog, by the
// upstream pump ending (either pump ending must promptly end the
// other), or by the session's own shutdown. Without this, a downstream
// pump blocked in socket.Read on a destination that never sends another
// byte would never observe the cancellation and would block forever.
func closeOutboundOnCancel(ctx context.Context, ref *outboundRef) {
	<-ctx.Done()
	if socket := ref.get(); socket != nil {
		socket.Close()
	}
}

// pumpUpstream implements the upstream pump: every subsequent inbound
// chunk is written verbatim to whatever socket ref currently points at.
// A write that lands on a socket mid-swap (replaced by a fallback
// redial) fails against the now-closed prior socket; that failure ends
// the pump, approximating discard of in-flight chunks during a
// fallback redial without an explicit buffer.
func (e *Engine) pumpUpstream(ctx context.Context, stream *wsconn.Stream, ref *outboundRef, session *Session, activity chan<- struct{}) error {
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		socket := ref.get()
		n, err := socket.Write(chunk)
		if n > 0 {
			session.stats.BytesUp.Add(uint64(n))
			session.stats.PacketsUp.Inc()
			signalActivity(activity)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", C.ErrDialFailed, err)
		}
	}
}

// pumpDownstreamWithFallback runs the downstream pump against the
// current outbound socket; if it ends having forwarded zero bytes and no
// fallback attempt has yet been made, it re-dials via the fallback
// destination and retries downstream exactly once more before giving
// up. A clean EOF with zero bytes forwarded is itself the "ends having
// forwarded zero bytes" condition spec.md §4.5 names, so the fallback
// check runs regardless of whether pumpDownstreamOnce returned an error.
func (e *Engine) pumpDownstreamWithFallback(ctx context.Context, stream *wsconn.Stream, ref *outboundRef, session *Session, req *vless.Request, residual []byte, activity chan<- struct{}) error {
	for {
		socket := ref.get()
		err := e.pumpDownstreamOnce(ctx, stream, socket, session, activity)
		if session.hasIncoming || session.fallbackAttempted {
			return err
		}

		log.Debugln("[Tunnel] no downstream bytes yet, attempting fallback for %s:%d", req.Address, req.Port)
		newSocket, fbErr := e.fallbackDial(ctx, session, req, residual)
		if fbErr != nil {
			if err != nil {
				return err
			}
			return fbErr
		}
		if prev := ref.swap(newSocket); prev != nil {
			prev.Close()
		}
	}
}

// pumpDownstreamOnce reads outbound bytes until the socket closes or
// errors, sending each chunk as one WebSocket binary message. The
// response header precedes the very first payload byte sent, emitted
// exactly once per session regardless of which outbound socket produced
// the first byte.
func (e *Engine) pumpDownstreamOnce(ctx context.Context, stream *wsconn.Stream, socket *dialer.Socket, session *Session, activity chan<- struct{}) error {
	buf := make([]byte, downstreamBufferSize)
	for {
		n, err := socket.Read(buf)
		if n > 0 {
			payload := buf[:n]
			if !session.responseSent {
				framed := make([]byte, 0, 2+n)
				framed = append(framed, vless.BuildResponseHeader(session.header.Version)...)
				framed = append(framed, payload...)
				if sendErr := stream.Send(ctx, framed); sendErr != nil {
					return sendErr
				}
				session.responseSent = true
			} else if sendErr := stream.Send(ctx, payload); sendErr != nil {
				return sendErr
			}
			session.hasIncoming = true
			session.stats.BytesDown.Add(uint64(n))
			session.stats.PacketsDown.Inc()
			signalActivity(activity)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// idleWatchdog cancels cancel once idle elapses with no signal on
// activity; a non-positive idle disables the watchdog entirely.
func idleWatchdog(ctx context.Context, cancel context.CancelFunc, idle time.Duration, activity <-chan struct{}) {
	if idle <= 0 {
		return
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cancel()
			return
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		}
	}
}

func signalActivity(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
