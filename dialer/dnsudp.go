package dialer

import (
	"encoding/binary"
	"fmt"
	"net"

	D "github.com/miekg/dns"

	C "github.com/Dreamacro/vlgate/constant"
	"github.com/Dreamacro/vlgate/log"
)

// maxDNSMessage is comfortably above any UDP DNS response; oversized
// reads are truncated by the kernel, not by this framer.
const maxDNSMessage = 65507

// DialDNSUDP implements the UDP-over-DNS specialisation: when the
// parsed command is UDP and the port is 53, the engine dials here
// instead of Dial. The returned socket frames each DNS message with a
// 2-byte big-endian length prefix per the VLESS UDP convention, so the
// tunnel engine's ordinary byte-stream pumps can drive it without
// knowing it's UDP underneath.
func (d *Dialer) DialDNSUDP(host string) (*Socket, error) {
	addr := net.JoinHostPort(host, "53")
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial dns %s: %v", C.ErrDialFailed, addr, err)
	}
	return wrapSocket(&dnsFramer{Conn: conn}), nil
}

// dnsFramer adapts a connected UDP socket to the 2-byte length-prefix
// convention VLESS uses for UDP-over-DNS: length-prefixed datagrams
// standing in for a byte stream.
type dnsFramer struct {
	net.Conn
	readBuf [maxDNSMessage]byte
}

// Write consumes one or more length-prefixed DNS queries from b and
// sends each as its own UDP datagram.
func (f *dnsFramer) Write(b []byte) (int, error) {
	total := len(b)
	offset := 0

	for offset < total {
		if total-offset < 2 {
			return offset, fmt.Errorf("dnsudp: truncated length prefix")
		}
		length := int(binary.BigEndian.Uint16(b[offset : offset+2]))
		offset += 2

		if total-offset < length {
			return offset, fmt.Errorf("dnsudp: truncated message: want %d have %d", length, total-offset)
		}
		query := b[offset : offset+length]
		offset += length

		logQueryName(query)

		if _, err := f.Conn.Write(query); err != nil {
			return offset - length - 2, err
		}
	}

	return total, nil
}

// Read returns one length-prefixed DNS response per call.
func (f *dnsFramer) Read(b []byte) (int, error) {
	n, err := f.Conn.Read(f.readBuf[:])
	if err != nil {
		return 0, err
	}
	if len(b) < n+2 {
		return 0, fmt.Errorf("dnsudp: read buffer too small for %d-byte message", n)
	}

	binary.BigEndian.PutUint16(b, uint16(n))
	copy(b[2:], f.readBuf[:n])
	return n + 2, nil
}

// logQueryName best-effort parses the outgoing message for a debug log
// line; a malformed message is still forwarded verbatim — this gateway
// doesn't validate DNS content, only frames it.
func logQueryName(query []byte) {
	msg := new(D.Msg)
	if err := msg.Unpack(query); err != nil || len(msg.Question) == 0 {
		return
	}
	log.Debugln("[DNS-UDP] query %s", msg.Question[0].Name)
}
