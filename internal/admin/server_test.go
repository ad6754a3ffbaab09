package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqhadev/openkore-bus-server-extended/internal/bus"
	"github.com/oqhadev/openkore-bus-server-extended/internal/ssm"
)

func newTestStack(t *testing.T) (*bus.Server, string) {
	t.Helper()
	b := bus.NewServer(bus.Config{
		Addr:          "127.0.0.1:0",
		ReadChunkSize: 32 * 1024,
		IdleTimeout:   time.Minute,
		WriteTimeout:  2 * time.Second,
	}, nil, zerolog.Nop())
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Shutdown() })

	a := New("127.0.0.1:0", b, 2*time.Second, zerolog.Nop())
	require.NoError(t, a.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return b, "http://" + a.Addr().String()
}

// busClient is a minimal identified bus peer used to observe injections.
type busClient struct {
	t      *testing.T
	conn   net.Conn
	parser ssm.Parser
}

func connectClient(t *testing.T, b *bus.Server, userAgent string) *busClient {
	t.Helper()
	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &busClient{t: t, conn: conn}
	hello := c.recv()
	require.Equal(t, "HELLO", hello.ID)

	data, err := ssm.Serialize("HELLO", ssm.NewArgs().SetString("userAgent", userAgent))
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	// Round trip so the server has processed the identification.
	data, err = ssm.Serialize("LIST_CLIENTS", nil)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
	reply := c.recv()
	require.Equal(t, "LIST_CLIENTS", reply.ID)
	return c
}

func (c *busClient) recv() *ssm.Message {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 32*1024)
	for {
		msg, err := c.parser.ReadNext()
		require.NoError(c.t, err)
		if msg != nil {
			return msg
		}
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
			continue
		}
		require.NoError(c.t, err, "connection closed while waiting for a frame")
	}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestStatus(t *testing.T) {
	b, base := newTestStack(t)
	connectClient(t, b, "botA")

	var body map[string]any
	resp := getJSON(t, base+"/api/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(1), body["client_count"])
}

func TestClients(t *testing.T) {
	b, base := newTestStack(t)
	connectClient(t, b, "botA")
	connectClient(t, b, "botB")

	var body struct {
		Clients []map[string]any `json:"clients"`
		Count   int              `json:"count"`
	}
	resp := getJSON(t, base+"/api/clients", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, body.Count)

	agents := map[string]bool{}
	for _, c := range body.Clients {
		agents[fmt.Sprint(c["user_agent"])] = true
		assert.NotEmpty(t, c["id"])
		assert.NotEmpty(t, c["name"])
	}
	assert.Equal(t, map[string]bool{"botA": true, "botB": true}, agents)
}

func TestStats(t *testing.T) {
	b, base := newTestStack(t)
	connectClient(t, b, "botA")

	var body map[string]any
	resp := getJSON(t, base+"/api/stats", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_connections"])
	assert.Equal(t, float64(1), body["current_clients"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "messages_processed")
}

func TestBCRequiresPlayerAndComm(t *testing.T) {
	_, base := newTestStack(t)

	for _, url := range []string{
		base + "/bc",
		base + "/bc?player=Alice",
		base + "/bc?comm=hello",
	} {
		var body map[string]any
		resp := getJSON(t, url, &body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, url)
		assert.NotEmpty(t, body["error"])
		assert.Equal(t, float64(http.StatusBadRequest), body["code"])
	}
}

func TestBCBroadcastsBusComm(t *testing.T) {
	b, base := newTestStack(t)
	c := connectClient(t, b, "botA")

	var body map[string]any
	resp := getJSON(t, base+"/bc?player=Alice&comm=hello+there", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "busComm", body["message_id"])

	msg := c.recv()
	assert.Equal(t, "busComm", msg.ID)
	player, _ := msg.Args.GetString("player")
	assert.Equal(t, "Alice", player)
	comm, _ := msg.Args.GetString("comm")
	assert.Equal(t, "hello there", comm)
}

func TestBroadcastDefaultsMessageID(t *testing.T) {
	b, base := newTestStack(t)
	c := connectClient(t, b, "botA")

	var body map[string]any
	resp := postJSON(t, base+"/api/broadcast", map[string]any{
		"args": map[string]any{"text": "hi", "n": 3},
	}, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "API_BROADCAST", body["message_id"])

	msg := c.recv()
	assert.Equal(t, "API_BROADCAST", msg.ID)
	text, _ := msg.Args.GetString("text")
	assert.Equal(t, "hi", text)
	n, _ := msg.Args.GetUint("n")
	assert.Equal(t, uint32(3), n)
}

func TestBroadcastRejectsBadJSON(t *testing.T) {
	_, base := newTestStack(t)

	resp, err := http.Post(base+"/api/broadcast", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageToClient(t *testing.T) {
	b, base := newTestStack(t)
	c := connectClient(t, b, "botA")

	var body map[string]any
	resp := postJSON(t, base+"/api/message", map[string]any{
		"client_id": "0",
		"args":      map[string]any{"text": "direct"},
	}, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", body["client_id"])

	msg := c.recv()
	assert.Equal(t, "API_MESSAGE", msg.ID)
	text, _ := msg.Args.GetString("text")
	assert.Equal(t, "direct", text)
}

func TestMessageToUnknownClient(t *testing.T) {
	_, base := newTestStack(t)

	var body map[string]any
	resp := postJSON(t, base+"/api/message", map[string]any{"client_id": "99"}, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, float64(http.StatusNotFound), body["code"])
}

func TestMessageRequiresClientID(t *testing.T) {
	_, base := newTestStack(t)

	var body map[string]any
	resp := postJSON(t, base+"/api/message", map[string]any{}, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	_, base := newTestStack(t)

	resp, err := http.Post(base+"/api/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, base := newTestStack(t)

	req, err := http.NewRequest(http.MethodOptions, base+"/api/broadcast", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestMetricsEndpoint(t *testing.T) {
	_, base := newTestStack(t)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
