package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jeelsboobz/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Dreamacro/vlgate/dialer"
	"github.com/Dreamacro/vlgate/identity"
	"github.com/Dreamacro/vlgate/transport/vless"
	"github.com/Dreamacro/vlgate/wsconn"
)

const testUUID = "01020304-0506-0708-090a-0b0c0d0e0f10"

func testConfig() Config {
	return Config{
		HeaderTimeout:  2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		IdleTimeout:    0,
	}
}

func startEchoServer(t *testing.T) (host string, port uint16) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, uint16(portNum)
}

func startGatewayServer(t *testing.T, engine *Engine) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := wsconn.Accept(w, r)
		if err != nil {
			return
		}
		engine.Run(context.Background(), stream)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	if len(httpURL) > 4 && httpURL[:4] == "http" {
		return "ws" + httpURL[4:]
	}
	return httpURL
}

func encodeRequest(t *testing.T, idHex string, command vless.Command, port uint16, addrType vless.AddressType, address string, payload []byte) []byte {
	id, err := uuid.FromString(idHex)
	require.NoError(t, err)
	var idBytes [16]byte
	copy(idBytes[:], id.Bytes())

	req := &vless.Request{
		Version:     0,
		Identifier:  idBytes,
		Command:     command,
		Port:        port,
		AddressType: addrType,
	}

	var addrBytes string
	switch addrType {
	case vless.AddressIPv4:
		ip := net.ParseIP(address).To4()
		require.NotNil(t, ip)
		addrBytes = string(ip)
	case vless.AddressDomainName:
		addrBytes = address
	}

	chunk, err := vless.Encode(req, nil, addrBytes, payload)
	require.NoError(t, err)
	return chunk
}

func TestEngine_HappyPathIPv4(t *testing.T) {
	host, port := startEchoServer(t)

	store, err := identity.New(testUUID, nil)
	require.NoError(t, err)
	d := dialer.New(2*time.Second, nil)
	engine := New(store, d, testConfig())

	srv := startGatewayServer(t, engine)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	chunk := encodeRequest(t, testUUID, vless.CommandTCP, port, vless.AddressIPv4, host, []byte("HELLO"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, chunk))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, len(msg) >= 2)
	require.Equal(t, byte(0), msg[0])
	require.Equal(t, byte(0), msg[1])
	require.Equal(t, []byte("HELLO"), msg[2:])
}

func TestEngine_AuthReject(t *testing.T) {
	store, err := identity.New(testUUID, nil)
	require.NoError(t, err)
	d := dialer.New(2*time.Second, nil)
	engine := New(store, d, testConfig())

	srv := startGatewayServer(t, engine)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	zeroUUID := "00000000-0000-0000-0000-000000000000"
	chunk := encodeRequest(t, zeroUUID, vless.CommandTCP, 80, vless.AddressIPv4, "127.0.0.1", []byte("x"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, chunk))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, int(wsconn.StatusPolicyViolation), closeErr.Code)
}

func TestEngine_UDPNonDNSRejected(t *testing.T) {
	store, err := identity.New(testUUID, nil)
	require.NoError(t, err)
	d := dialer.New(2*time.Second, nil)
	engine := New(store, d, testConfig())

	srv := startGatewayServer(t, engine)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	chunk := encodeRequest(t, testUUID, vless.CommandUDP, 4433, vless.AddressIPv4, "127.0.0.1", nil)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, chunk))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, int(wsconn.StatusProtocolError), closeErr.Code)
}

func TestEngine_FallbackOnUnreachablePrimary(t *testing.T) {
	// The echo server binds loopback; the fallback host is also loopback,
	// so a request declaring the TEST-NET-1 address (RFC 5737, never
	// routable) on the echo server's port forces the primary dial to
	// fail while the fallback redial on the same port reaches the echo
	// server.
	_, echoPort := startEchoServer(t)

	store, err := identity.New(testUUID, nil)
	require.NoError(t, err)
	d := dialer.New(500*time.Millisecond, []string{"127.0.0.1"})
	engine := New(store, d, testConfig())

	srv := startGatewayServer(t, engine)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	chunk := encodeRequest(t, testUUID, vless.CommandTCP, echoPort, vless.AddressIPv4, "203.0.113.1", []byte("HI"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, chunk))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, len(msg) >= 2)
	require.Equal(t, []byte("HI"), msg[2:])
}
