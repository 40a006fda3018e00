package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/bus"
)

type testGateway struct {
	server *Server
	bus    *bus.Bus
	http   *httptest.Server
}

func newTestGateway(t *testing.T, token string) *testGateway {
	t.Helper()

	logger := zerolog.Nop()
	b := bus.New(bus.Config{QueueSize: 16, RateLimit: 100, RateWindow: time.Minute, Logger: &logger})
	srv, err := NewServer(Config{Port: 0, Token: token, Bus: b, Logger: &logger})
	require.NoError(t, err)

	b.Start()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		for _, c := range srv.clients.GetAll() {
			_ = c.Conn.Close()
		}
		httpSrv.Close()
		b.Stop()
	})

	return &testGateway{server: srv, bus: b, http: httpSrv}
}

func (g *testGateway) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?" + query
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func (g *testGateway) connect(t *testing.T, endpoint string) *websocket.Conn {
	t.Helper()

	before := g.server.clients.Count()
	conn, _, err := g.dial(t, "endpoint="+endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return g.server.clients.Count() > before
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestNewServer_RequiresBus(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 70000, Bus: bus.New(bus.Config{})})
	assert.Error(t, err)
}

func TestServer_PushesPublishedStatus(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.connect(t, "dashboard")

	require.NoError(t, g.bus.Publish(context.Background(), "state_changed", map[string]interface{}{
		"entityId": "agent-1",
		"to":       "processing",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameMessage, frame.Type)
	require.NotNil(t, frame.Message)
	assert.Equal(t, bus.TypeStatus, frame.Message.Type)
	assert.Equal(t, "agent-1", frame.Message.Sender)
	assert.Equal(t, "state_changed", frame.Message.Metadata["topic"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frame.Message.Content), &payload))
	assert.Equal(t, "processing", payload["to"])
}

func TestServer_ForwardsCommandFrames(t *testing.T) {
	g := newTestGateway(t, "")

	received := make(chan bus.Message, 1)
	g.bus.AddHandler(bus.TypeCommand, func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})

	conn := g.connect(t, "cli")
	require.NoError(t, conn.WriteJSON(InboundFrame{
		Ref:      "r-1",
		Type:     "command",
		Content:  json.RawMessage(`"stats"`),
		Metadata: map[string]interface{}{"entityId": "agent-1"},
	}))

	ack := readFrame(t, conn)
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "r-1", ack.Ref)
	assert.NotEmpty(t, ack.MessageID)

	select {
	case msg := <-received:
		assert.Equal(t, ack.MessageID, msg.ID)
		assert.Equal(t, "cli", msg.Sender)
		assert.Equal(t, DefaultRecipient, msg.Recipient)
		assert.Equal(t, "stats", msg.Content)
		assert.Equal(t, "agent-1", msg.Metadata["entityId"])
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the bus handler")
	}
}

func TestServer_ResponseReachesRequester(t *testing.T) {
	g := newTestGateway(t, "")
	g.bus.AddHandler(bus.TypeRequest, func(ctx context.Context, msg bus.Message) error {
		return g.bus.Send(ctx, bus.NewMessage(bus.TypeResponse, bus.KernelSender, msg.Sender, "pong"))
	})

	conn := g.connect(t, "cli")
	require.NoError(t, conn.WriteJSON(InboundFrame{Ref: "r-2", Type: "request", Content: json.RawMessage(`"ping"`)}))

	ack := readFrame(t, conn)
	require.Equal(t, FrameAck, ack.Type)

	reply := readFrame(t, conn)
	require.NotNil(t, reply.Message)
	assert.Equal(t, bus.TypeResponse, reply.Message.Type)
	assert.Equal(t, "pong", reply.Message.Content)
}

func TestServer_BroadcastSkipsSender(t *testing.T) {
	g := newTestGateway(t, "")
	g.bus.AddRoute("hub", "agent-2", "agent-3")

	sender := g.connect(t, "agent-2")
	peer := g.connect(t, "agent-3")

	require.NoError(t, sender.WriteJSON(InboundFrame{Ref: "b-1", Type: "broadcast", Content: json.RawMessage(`"hello"`)}))

	ack := readFrame(t, sender)
	require.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "b-1", ack.Ref)
	require.NotNil(t, ack.Delivered)
	assert.Equal(t, 1, *ack.Delivered)

	frame := readFrame(t, peer)
	require.NotNil(t, frame.Message)
	assert.Equal(t, bus.TypeBroadcast, frame.Message.Type)
	assert.Equal(t, "agent-2", frame.Message.Sender)
	assert.Equal(t, "agent-3", frame.Message.Recipient)
	assert.Equal(t, ack.MessageID, frame.Message.ID)
	assert.Equal(t, "hello", frame.Message.Content)

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := sender.ReadMessage()
	assert.Error(t, err, "the sender gets no copy of its own broadcast")
}

func TestServer_BroadcastIsRateLimited(t *testing.T) {
	g := newTestGateway(t, "")
	g.bus.SetRateLimit(1, time.Minute)
	conn := g.connect(t, "agent-2")

	require.NoError(t, conn.WriteJSON(InboundFrame{Ref: "b-1", Type: "broadcast", Content: json.RawMessage(`"one"`)}))
	assert.Equal(t, FrameAck, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(InboundFrame{Ref: "b-2", Type: "broadcast", Content: json.RawMessage(`"two"`)}))
	rejected := readFrame(t, conn)
	assert.Equal(t, FrameError, rejected.Type)
	assert.Equal(t, "b-2", rejected.Ref)
	assert.Contains(t, rejected.Error, bus.ErrRateLimited.Error())
}

func TestServer_RejectsInvalidFrames(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.connect(t, "cli")

	tests := []struct {
		name  string
		frame string
		ref   string
	}{
		{"malformed json", `{not json`, ""},
		{"status from client", `{"ref":"a","type":"status","content":"x"}`, "a"},
		{"unknown type", `{"ref":"b","type":"gossip","content":"x"}`, "b"},
		{"bad priority", `{"ref":"c","type":"command","priority":"urgent","content":"x"}`, "c"},
		{"missing type", `{"ref":"d","content":"x"}`, "d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			frame := readFrame(t, conn)
			assert.Equal(t, FrameError, frame.Type)
			assert.Equal(t, tt.ref, frame.Ref)
			assert.NotEmpty(t, frame.Error)
		})
	}
}

func TestServer_RequiresToken(t *testing.T) {
	g := newTestGateway(t, "secret")

	_, resp, err := g.dial(t, "endpoint=cli", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := g.dial(t, "endpoint=cli", header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestServer_RequiresEndpoint(t *testing.T) {
	g := newTestGateway(t, "")

	_, resp, err := g.dial(t, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	g := newTestGateway(t, "")

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["busRunning"])
}

func TestServer_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	srv, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Bus: bus.New(bus.Config{Logger: &logger}), Logger: &logger})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}
