// Package vless implements the VLESS request-header codec: a compact
// binary framing format carrying a version, a 16-byte identifier, a
// command, and a destination, after which the remainder of the chunk is
// raw application payload.
package vless

import (
	"encoding/binary"
	"fmt"

	C "github.com/Dreamacro/vlgate/constant"
)

// Command identifies the requested transport for the destination.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

// AddressType identifies how the destination address is encoded.
type AddressType byte

const (
	AddressIPv4       AddressType = 1
	AddressDomainName AddressType = 2
	AddressIPv6       AddressType = 3
)

// minHeaderLength is the invariant floor: any chunk shorter than this
// cannot possibly hold a version, identifier, options-length byte,
// command, port, address type, and the shortest possible address (a
// one-character domain name plus its length byte).
const minHeaderLength = 24

// Request is the result of parsing the initial inbound chunk.
type Request struct {
	Version       byte
	Identifier    [16]byte
	OptionsLength byte
	Command       Command
	Port          uint16
	AddressType   AddressType
	Address       string
	// PayloadOffset is the byte index at which client application data
	// begins within the parsed chunk.
	PayloadOffset int
}

// Parse decodes the VLESS request header from the front of chunk. It
// allocates a Request and never mutates chunk. Errors are one of
// constant.ErrTooShort, constant.ErrBadAddressType,
// constant.ErrUnsupportedCommand, or constant.ErrEmptyAddress; wrap for
// context with fmt.Errorf("%w: ...") at call sites that need it, or
// inspect with constant.KindOf.
func Parse(chunk []byte) (*Request, error) {
	if len(chunk) < minHeaderLength {
		return nil, C.ErrTooShort
	}

	req := &Request{Version: chunk[0]}
	copy(req.Identifier[:], chunk[1:17])

	req.OptionsLength = chunk[17]
	offset := 18 + int(req.OptionsLength)
	if offset+1 > len(chunk) {
		return nil, C.ErrTooShort
	}

	switch Command(chunk[offset]) {
	case CommandTCP:
		req.Command = CommandTCP
	case CommandUDP:
		req.Command = CommandUDP
	default:
		return nil, C.ErrUnsupportedCommand
	}
	offset++

	if offset+2 > len(chunk) {
		return nil, C.ErrTooShort
	}
	req.Port = binary.BigEndian.Uint16(chunk[offset : offset+2])
	offset += 2

	if offset+1 > len(chunk) {
		return nil, C.ErrTooShort
	}
	req.AddressType = AddressType(chunk[offset])
	offset++

	addr, consumed, err := parseAddress(req.AddressType, chunk[offset:])
	if err != nil {
		return nil, err
	}
	req.Address = addr
	req.PayloadOffset = offset + consumed

	return req, nil
}

// parseAddress reads the address for addrType from the front of buf,
// returning the canonical textual form and the number of bytes it
// consumed.
func parseAddress(addrType AddressType, buf []byte) (string, int, error) {
	switch addrType {
	case AddressIPv4:
		if len(buf) < 4 {
			return "", 0, C.ErrTooShort
		}
		return formatIPv4(buf[:4]), 4, nil
	case AddressIPv6:
		if len(buf) < 16 {
			return "", 0, C.ErrTooShort
		}
		return formatIPv6(buf[:16]), 16, nil
	case AddressDomainName:
		if len(buf) < 1 {
			return "", 0, C.ErrTooShort
		}
		length := int(buf[0])
		if len(buf) < 1+length {
			return "", 0, C.ErrTooShort
		}
		if length == 0 {
			return "", 0, C.ErrEmptyAddress
		}
		name := string(buf[1 : 1+length])
		if name == "" {
			return "", 0, C.ErrEmptyAddress
		}
		return name, 1 + length, nil
	default:
		return "", 0, C.ErrBadAddressType
	}
}

func formatIPv4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// formatIPv6 prints eight big-endian 16-bit groups without
// zero-compression.
func formatIPv6(b []byte) string {
	groups := make([]uint16, 8)
	for i := range groups {
		groups[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return fmt.Sprintf("%x:%x:%x:%x:%x:%x:%x:%x",
		groups[0], groups[1], groups[2], groups[3],
		groups[4], groups[5], groups[6], groups[7])
}

// BuildResponseHeader returns the two-byte VLESS response header
// {version, 0x00}, emitted exactly once per session.
func BuildResponseHeader(version byte) []byte {
	return []byte{version, 0x00}
}

// Encode is the inverse of Parse: it serialises req with the given
// options and address bytes and appends payload, producing a chunk from
// which Parse recovers req's version, identifier, command, port, address
// type and address, with PayloadOffset at the first payload byte. The
// options-length byte is written as len(options); req.OptionsLength is
// not consulted. addressBytes must match req.AddressType: 4 bytes for
// IPv4, 16 for IPv6, or the raw domain-name text for AddressDomainName.
func Encode(req *Request, options []byte, addressBytes string, payload []byte) ([]byte, error) {
	out := make([]byte, 0, 22+len(options)+len(addressBytes)+len(payload)+1)
	out = append(out, req.Version)
	out = append(out, req.Identifier[:]...)
	out = append(out, byte(len(options)))
	out = append(out, options...)
	out = append(out, byte(req.Command))

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], req.Port)
	out = append(out, portBuf[:]...)

	out = append(out, byte(req.AddressType))

	switch req.AddressType {
	case AddressIPv4:
		if len(addressBytes) != 4 {
			return nil, C.ErrBadAddressType
		}
		out = append(out, addressBytes...)
	case AddressIPv6:
		if len(addressBytes) != 16 {
			return nil, C.ErrBadAddressType
		}
		out = append(out, addressBytes...)
	case AddressDomainName:
		if len(addressBytes) == 0 || len(addressBytes) > 255 {
			return nil, C.ErrEmptyAddress
		}
		out = append(out, byte(len(addressBytes)))
		out = append(out, addressBytes...)
	default:
		return nil, C.ErrBadAddressType
	}

	out = append(out, payload...)
	return out, nil
}
