// Package wsconn adapts a full-duplex WebSocket endpoint into an
// ordered pull-based inbound stream and a push-based outbound sink.
package wsconn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jeelsboobz/websocket"

	C "github.com/Dreamacro/vlgate/constant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// earlyDataHeader is the upgrade request's Sec-WebSocket-Protocol
// subprotocol value, which carries the base64url-encoded first chunk.
const earlyDataHeader = "Sec-WebSocket-Protocol"

// Stream is one WebSocket connection presented as an ordered inbound
// chunk stream plus an outbound chunk sink.
type Stream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	earlyData []byte
	earlySent bool

	closeOnce sync.Once
}

// Accept upgrades r into a WebSocket and decodes any early-data header
// into the stream's first pending chunk. The upgrade response echoes
// the client's requested subprotocol (the same header early data rides
// in) so browsers that set Sec-WebSocket-Protocol don't fail the
// handshake.
func Accept(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	responseHeader := http.Header{}
	protocol := r.Header.Get(earlyDataHeader)

	earlyData, err := decodeEarlyData(protocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", C.ErrBadEarlyData, err)
	}

	if protocol != "" {
		responseHeader.Set(earlyDataHeader, protocol)
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}

	return &Stream{conn: conn, earlyData: earlyData}, nil
}

// decodeEarlyData decodes the base64url early-data header. An empty
// header contributes no bytes; padding is inferred by trying the
// no-padding encoding first (the common client form) and falling back
// to the padded encoding.
func decodeEarlyData(header string) ([]byte, error) {
	if header == "" {
		return nil, nil
	}

	if data, err := base64.RawURLEncoding.DecodeString(header); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(header)
}

// Next returns the next ordered inbound chunk. The decoded early-data
// chunk (if any) is returned first, ahead of any WebSocket message.
// Binary messages return their payload; a peer close with the normal or
// going-away status returns io.EOF; a text message returns
// constant.ErrUnexpectedText, since this gateway treats VLESS framing as
// binary-only; any other read failure (including a close with another
// status) is returned wrapped with a "wsconn: read" cause.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.earlyData) > 0 && !s.earlySent {
		data := s.earlyData
		s.earlySent = true
		s.earlyData = nil
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-done:
		}
	}()

	messageType, payload, err := s.conn.ReadMessage()
	close(done)

	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wsconn: read: %w", err)
	}

	switch messageType {
	case websocket.BinaryMessage:
		return payload, nil
	case websocket.TextMessage:
		return nil, C.ErrUnexpectedText
	default:
		return nil, fmt.Errorf("wsconn: unexpected message type %d", messageType)
	}
}

// Send pushes one outbound chunk as a single WebSocket binary message.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

// Close sends a close frame with status and reason, then closes the
// underlying socket. It is idempotent and safe to call from either pump
// or from a timeout path without coordination; a socket already closing
// or closed is tolerated.
func (s *Stream) Close(status uint16, reason string) error {
	var closeErr error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(int(status), reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		closeErr = s.conn.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	return closeErr
}

// Close status codes used by the tunnel engine and gateway dispatcher
// when closing sessions, matching RFC 6455 where a standard code
// exists.
const (
	StatusNormalClosure   uint16 = 1000
	StatusProtocolError   uint16 = 1002
	StatusPolicyViolation uint16 = 1008
	StatusInternalError   uint16 = 1011
)
