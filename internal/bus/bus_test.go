package bus

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oqhadev/openkore-bus-server-extended/internal/ssm"
)

// newTestServer starts a bus server on a loopback port and tears it down
// with the test.
func newTestServer(t *testing.T, sink WebhookSink) *Server {
	t.Helper()
	s := NewServer(Config{
		Addr:          "127.0.0.1:0",
		ReadChunkSize: 32 * 1024,
		IdleTimeout:   time.Minute,
		WriteTimeout:  2 * time.Second,
	}, sink, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// testClient is a minimal bus peer speaking SSM over TCP.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	parser ssm.Parser
}

func dialBus(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	tc := &testClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	return tc
}

func (tc *testClient) send(messageID string, args *ssm.Args) {
	tc.t.Helper()
	data, err := ssm.Serialize(messageID, args)
	require.NoError(tc.t, err)
	_, err = tc.conn.Write(data)
	require.NoError(tc.t, err)
}

// recv returns the next frame from the server, failing the test after two
// seconds of silence.
func (tc *testClient) recv() *ssm.Message {
	tc.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 32*1024)
	for {
		msg, err := tc.parser.ReadNext()
		require.NoError(tc.t, err)
		if msg != nil {
			return msg
		}
		require.NoError(tc.t, tc.conn.SetReadDeadline(deadline))
		n, err := tc.conn.Read(buf)
		if n > 0 {
			tc.parser.Feed(buf[:n])
			continue
		}
		require.NoError(tc.t, err, "connection closed while waiting for a frame")
	}
}

// expect reads the next frame and asserts its message id.
func (tc *testClient) expect(messageID string) *ssm.Message {
	tc.t.Helper()
	msg := tc.recv()
	require.Equal(tc.t, messageID, msg.ID)
	return msg
}

// handshake consumes the server HELLO and identifies, returning the
// assigned client id. A LIST_CLIENTS round trip afterwards guarantees the
// server has processed the identification before the caller moves on.
func (tc *testClient) handshake(userAgent string, privateOnly bool) string {
	tc.t.Helper()
	hello := tc.expect("HELLO")
	id, ok := hello.Args.GetString("yourID")
	require.True(tc.t, ok, "server HELLO must carry yourID")

	args := ssm.NewArgs().SetString("userAgent", userAgent)
	if privateOnly {
		args.SetUint("privateOnly", 1)
	}
	tc.send("HELLO", args)

	tc.send("LIST_CLIENTS", nil)
	tc.expect("LIST_CLIENTS")
	return id
}

// expectClosed asserts the server hangs up on this client.
func (tc *testClient) expectClosed() {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	for {
		_, err := tc.conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			tc.t.Fatal("server did not close the connection")
		}
		return
	}
}
