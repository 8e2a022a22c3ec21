// Package tunnel drives the per-connection VLESS-over-WebSocket state
// machine: header parsing, identity check, outbound dial with single-shot
// fallback, and bidirectional byte forwarding. Each session owns exactly
// one inbound WebSocket and, for its lifetime, at most one outbound
// socket at a time.
package tunnel

import (
	"time"

	"go.uber.org/atomic"

	"github.com/Dreamacro/vlgate/transport/vless"
)

// Stats holds a session's monotonic byte/packet counters as lock-free
// atomics so either pump can update its own counters without
// coordinating with the other.
type Stats struct {
	BytesUp     atomic.Uint64
	BytesDown   atomic.Uint64
	PacketsUp   atomic.Uint64
	PacketsDown atomic.Uint64
	StartedAt   atomic.Int64
}

// Session is one WebSocket's worth of tunnel state. It is owned
// exclusively by the goroutine running Engine.Run for its lifetime and
// is never shared across sessions.
type Session struct {
	// header is populated once Await-Header accepts the first chunk.
	header *vless.Request

	// headerParsed is set once Await-Header has parsed and accepted the
	// first chunk.
	headerParsed bool

	// responseSent guarantees the two-byte response header is emitted
	// exactly once; duplicate response headers are forbidden.
	responseSent bool

	// hasIncoming becomes true once at least one outbound byte has been
	// forwarded inbound; it gates whether the fallback destination may
	// still be tried.
	hasIncoming bool

	// fallbackAttempted enforces the "at most once per session" rule on
	// the fallback dial.
	fallbackAttempted bool

	stats Stats
}

func newSession() *Session {
	s := &Session{}
	s.stats.StartedAt.Store(time.Now().UnixNano())
	return s
}

// Stats exposes the session's byte/packet counters for observability.
func (s *Session) Stats() *Stats {
	return &s.stats
}
