package vless

import (
	"testing"

	"github.com/stretchr/testify/require"

	C "github.com/Dreamacro/vlgate/constant"
)

func mustHexID() [16]byte {
	return [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
}

func TestParse_HappyPathIPv4(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)       // optionsLength
	chunk = append(chunk, 0x01)       // TCP
	chunk = append(chunk, 0x00, 0x50) // port 80
	chunk = append(chunk, 0x01)       // IPv4
	chunk = append(chunk, 0x7f, 0x00, 0x00, 0x01)
	chunk = append(chunk, []byte("HELLO")...)

	req, err := Parse(chunk)
	require.NoError(t, err)
	require.Equal(t, byte(0), req.Version)
	require.Equal(t, id, req.Identifier)
	require.Equal(t, CommandTCP, req.Command)
	require.EqualValues(t, 80, req.Port)
	require.Equal(t, AddressIPv4, req.AddressType)
	require.Equal(t, "127.0.0.1", req.Address)
	require.Equal(t, "HELLO", string(chunk[req.PayloadOffset:]))
}

func TestParse_DomainName(t *testing.T) {
	id := mustHexID()
	domain := "example.com"
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x01, 0xbb) // 443
	chunk = append(chunk, 0x02)
	chunk = append(chunk, byte(len(domain)))
	chunk = append(chunk, []byte(domain)...)
	chunk = append(chunk, []byte("payload")...)

	req, err := Parse(chunk)
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Address)
	require.EqualValues(t, 443, req.Port)
	require.Equal(t, "payload", string(chunk[req.PayloadOffset:]))
}

func TestParse_IPv6NoCompression(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x00, 0x35)
	chunk = append(chunk, 0x03)
	ipv6 := make([]byte, 16)
	ipv6[15] = 0x01 // ::1
	chunk = append(chunk, ipv6...)

	req, err := Parse(chunk)
	require.NoError(t, err)
	require.Equal(t, "0:0:0:0:0:0:0:1", req.Address)
}

func TestParse_TooShort(t *testing.T) {
	_, err := Parse(make([]byte, 23))
	require.ErrorIs(t, err, C.ErrTooShort)
}

func TestParse_UnsupportedCommand(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x09) // invalid command
	chunk = append(chunk, 0x00, 0x50)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x7f, 0x00, 0x00, 0x01)

	_, err := Parse(chunk)
	require.ErrorIs(t, err, C.ErrUnsupportedCommand)
}

func TestParse_BadAddressType(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x00, 0x50)
	chunk = append(chunk, 0x09) // invalid addr type
	chunk = append(chunk, 0x00, 0x00, 0x00, 0x00)

	_, err := Parse(chunk)
	require.ErrorIs(t, err, C.ErrBadAddressType)
}

func TestParse_EmptyDomainName(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x00, 0x50)
	chunk = append(chunk, 0x02)
	chunk = append(chunk, 0x00) // zero-length domain
	// pad to satisfy minHeaderLength
	chunk = append(chunk, 0x00, 0x00, 0x00)

	_, err := Parse(chunk)
	require.ErrorIs(t, err, C.ErrEmptyAddress)
}

func TestParse_SkipsOpaqueOptions(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x03)             // 3 bytes of options
	chunk = append(chunk, 0xaa, 0xbb, 0xcc) // opaque, never interpreted
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x00, 0x50)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x7f, 0x00, 0x00, 0x01)
	chunk = append(chunk, []byte("X")...)

	req, err := Parse(chunk)
	require.NoError(t, err)
	require.Equal(t, byte(3), req.OptionsLength)
	require.Equal(t, "X", string(chunk[req.PayloadOffset:]))
}

func TestRoundTrip(t *testing.T) {
	id := mustHexID()
	original := &Request{
		Version:     5,
		Identifier:  id,
		Command:     CommandTCP,
		Port:        8443,
		AddressType: AddressDomainName,
	}
	payload := []byte("residual-payload")

	encoded, err := Encode(original, nil, "example.org", payload)
	require.NoError(t, err)

	parsed, err := Parse(encoded)
	require.NoError(t, err)
	require.Equal(t, original.Version, parsed.Version)
	require.Equal(t, original.Identifier, parsed.Identifier)
	require.Equal(t, original.Command, parsed.Command)
	require.Equal(t, original.Port, parsed.Port)
	require.Equal(t, original.AddressType, parsed.AddressType)
	require.Equal(t, "example.org", parsed.Address)
	require.Equal(t, payload, encoded[parsed.PayloadOffset:])
}

func TestParse_PayloadOffsetNeverExceedsChunkLength(t *testing.T) {
	id := mustHexID()
	chunk := []byte{0x00}
	chunk = append(chunk, id[:]...)
	chunk = append(chunk, 0x00)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x00, 0x50)
	chunk = append(chunk, 0x01)
	chunk = append(chunk, 0x7f, 0x00, 0x00, 0x01)
	// no residual payload

	req, err := Parse(chunk)
	require.NoError(t, err)
	require.LessOrEqual(t, req.PayloadOffset, len(chunk))
}
