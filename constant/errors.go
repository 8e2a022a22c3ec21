// Package constant holds error taxonomy and other process-wide values
// shared across the tunnel gateway's packages.
package constant

import "errors"

// ErrorKind classifies a failure so the tunnel engine and gateway
// dispatcher can pick the right WebSocket close behaviour without
// string-matching errors.
type ErrorKind int

const (
	// KindMalformedHeader covers every way the VLESS request header can
	// fail to parse: too short, unsupported command, bad address type,
	// empty address.
	KindMalformedHeader ErrorKind = iota
	// KindAuthRejected means the identifier was absent from both the
	// static and dynamic identity sources.
	KindAuthRejected
	// KindUnsupportedUDP means a UDP command arrived with a port other
	// than 53, or port 53 with the DNS specialisation unavailable.
	KindUnsupportedUDP
	// KindDialFailed means the outbound TCP dial failed.
	KindDialFailed
	// KindTransportError means a read or write failed mid-stream.
	KindTransportError
	// KindBadEarlyData means the early-data header failed to decode.
	KindBadEarlyData
	// KindTimeout means a header-wait, connect, or idle deadline fired.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedHeader:
		return "MalformedHeader"
	case KindAuthRejected:
		return "AuthRejected"
	case KindUnsupportedUDP:
		return "UnsupportedUDP"
	case KindDialFailed:
		return "DialFailed"
	case KindTransportError:
		return "TransportError"
	case KindBadEarlyData:
		return "BadEarlyData"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// TunnelError pairs an ErrorKind with the underlying cause so callers can
// both classify (errors.Is against the sentinels below) and log a useful
// message.
type TunnelError struct {
	Kind  ErrorKind
	Cause error
}

func (e *TunnelError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *TunnelError) Unwrap() error {
	return e.Cause
}

// NewError wraps cause under kind. A nil cause is allowed for sentinel
// conditions that carry no underlying error (e.g. a short read).
func NewError(kind ErrorKind, cause error) *TunnelError {
	return &TunnelError{Kind: kind, Cause: cause}
}

// Sentinels usable with errors.Is. The first four are the header-codec
// failure kinds (TooShort, BadAddressType, UnsupportedCommand,
// EmptyAddress) and classify as KindMalformedHeader; KindOf gives the
// kind of each of the others.
var (
	ErrTooShort            = errors.New("vless: initial chunk too short")
	ErrBadAddressType      = errors.New("vless: unknown address type")
	ErrUnsupportedCommand  = errors.New("vless: unsupported command")
	ErrEmptyAddress        = errors.New("vless: empty destination address")
	ErrAuthRejected        = errors.New("identity: identifier not accepted")
	ErrUnsupportedUDP      = errors.New("tunnel: udp destination not supported")
	ErrDialFailed          = errors.New("tunnel: outbound dial failed")
	ErrFallbackUnavailable = errors.New("tunnel: no fallback address configured")
	ErrBadEarlyData        = errors.New("wsconn: early-data header failed to decode")
	ErrUnexpectedText      = errors.New("wsconn: unexpected text frame")
)

// KindOf classifies err by walking sentinel membership; unrecognised
// errors classify as KindTransportError since that is the catch-all for
// mid-stream failures.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrTooShort), errors.Is(err, ErrBadAddressType),
		errors.Is(err, ErrUnsupportedCommand), errors.Is(err, ErrEmptyAddress):
		return KindMalformedHeader
	case errors.Is(err, ErrAuthRejected):
		return KindAuthRejected
	case errors.Is(err, ErrUnsupportedUDP):
		return KindUnsupportedUDP
	case errors.Is(err, ErrDialFailed), errors.Is(err, ErrFallbackUnavailable):
		return KindDialFailed
	case errors.Is(err, ErrBadEarlyData):
		return KindBadEarlyData
	default:
		var te *TunnelError
		if errors.As(err, &te) {
			return te.Kind
		}
		return KindTransportError
	}
}
