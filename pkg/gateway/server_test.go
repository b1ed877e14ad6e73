package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlow/overseer/pkg/approval"
	"github.com/marlow/overseer/pkg/events"
)

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startServer(t *testing.T, dispatcher *events.Dispatcher, gate *approval.Engine, secret string) (*Server, string) {
	t.Helper()

	port := freePort(t)
	s, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         port,
		SharedSecret: secret,
		Dispatcher:   dispatcher,
		Gate:         gate,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	base := fmt.Sprintf("127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	return s, base
}

func dial(t *testing.T, base string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestServerRequiresValidConfig(t *testing.T) {
	_, err := NewServer(Config{Port: 0, Dispatcher: events.NewDispatcher()})
	assert.ErrorContains(t, err, "invalid port")

	_, err = NewServer(Config{Port: 8420})
	assert.ErrorContains(t, err, "dispatcher is required")
}

func TestServerRejectsBadSecret(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	_, base := startServer(t, dispatcher, nil, "hunter2")

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerAcceptsSecretHeaderOrToken(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	s, base := startServer(t, dispatcher, nil, "hunter2")

	header := http.Header{}
	header.Set("X-Overseer-Secret", "hunter2")
	dial(t, base, header)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws?token=hunter2", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestServerBroadcastsEvents(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	s, base := startServer(t, dispatcher, nil, "")
	conn := dial(t, base, nil)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	dispatcher.Publish(events.NewEvent(events.TypeAgentOutput, events.AgentOutput{
		AgentID: "worker-1",
		Content: "hello",
	}))
	dispatcher.Publish(events.NewEvent(events.TypeAgentOutput, events.AgentOutput{
		AgentID: "worker-1",
		Content: "world",
	}))

	var received struct {
		Seq     uint64          `json:"seq"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	readJSON(t, conn, &received)

	assert.Equal(t, uint64(1), received.Seq)
	assert.Equal(t, "agent.output", received.Type)

	var payload events.AgentOutput
	require.NoError(t, json.Unmarshal(received.Payload, &payload))
	assert.Equal(t, "worker-1", payload.AgentID)
	assert.Equal(t, "hello", payload.Content)

	readJSON(t, conn, &received)
	assert.Equal(t, uint64(2), received.Seq)
}

func TestServerPing(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	_, base := startServer(t, dispatcher, nil, "")
	conn := dial(t, base, nil)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "ping"}))

	var ack Ack
	readJSON(t, conn, &ack)
	assert.Equal(t, "pong", ack.Type)
	assert.True(t, ack.OK)
}

func TestServerRejectsUnknownMessageType(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	_, base := startServer(t, dispatcher, nil, "")
	conn := dial(t, base, nil)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "teleport"}))

	var ack Ack
	readJSON(t, conn, &ack)
	assert.Equal(t, "error", ack.Type)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown message type: teleport")
}

func TestServerResolveWithoutGate(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	_, base := startServer(t, dispatcher, nil, "")
	conn := dial(t, base, nil)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "approval.resolve", RequestID: "r1", Approved: true}))

	var ack Ack
	readJSON(t, conn, &ack)
	assert.Equal(t, "approval.ack", ack.Type)
	assert.Equal(t, "r1", ack.RequestID)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "no approval gate configured")
}

func TestServerResolveUnknownRequest(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	gate, err := approval.NewEngine(approval.DefaultConfig(), dispatcher)
	require.NoError(t, err)

	_, base := startServer(t, dispatcher, gate, "")
	conn := dial(t, base, nil)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "approval.resolve", RequestID: "ghost", Approved: true}))

	var ack Ack
	readJSON(t, conn, &ack)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "no pending approval request")
}

func TestServerResolvesPendingApproval(t *testing.T) {
	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()

	gate, err := approval.NewEngine(approval.Config{
		Policy:        approval.PolicyAsk,
		DangerousOnly: true,
		PromptTimeout: 5 * time.Second,
	}, dispatcher)
	require.NoError(t, err)

	_, base := startServer(t, dispatcher, gate, "")
	conn := dial(t, base, nil)

	decisions := make(chan approval.Decision, 1)
	go func() {
		decisions <- gate.Evaluate(context.Background(), approval.Request{
			ToolName: "shell",
			Command:  "sudo systemctl restart postgres",
			AgentID:  "worker-1",
		})
	}()

	// The prompt surfaces to connected clients as an approval.requested event
	var requestID string
	for requestID == "" {
		var received struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		readJSON(t, conn, &received)
		if received.Type != string(events.TypeApprovalRequested) {
			continue
		}
		var payload events.ApprovalRequested
		require.NoError(t, json.Unmarshal(received.Payload, &payload))
		assert.Equal(t, "shell", payload.ToolName)
		requestID = payload.RequestID
	}

	require.NoError(t, conn.WriteJSON(InboundMessage{
		Type:      "approval.resolve",
		RequestID: requestID,
		Approved:  true,
	}))

	select {
	case decision := <-decisions:
		assert.True(t, decision.Approved)
		assert.Equal(t, "approved by operator", decision.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("approval decision never arrived")
	}

	// The ack follows on the same connection, interleaved with the
	// approval.resolved broadcast
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("ack never arrived")
		default:
		}

		var raw map[string]interface{}
		readJSON(t, conn, &raw)
		if raw["type"] != "approval.ack" {
			continue
		}
		assert.Equal(t, true, raw["ok"])
		return
	}
}
