package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/protocol"
)

func newTestHub(tokens ...string) (*Hub, *httptest.Server) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(tokens, logger).WithHello(func() protocol.HelloPayload {
		return protocol.HelloPayload{Version: "test", ActiveAlerts: 1}
	})
	return hub, httptest.NewServer(hub.Handler())
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_HelloThenPublish(t *testing.T) {
	hub, srv := newTestHub()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readEnvelope(t, ctx, conn)
	assert.Equal(t, protocol.MsgHello, hello.Type)
	var hp protocol.HelloPayload
	require.NoError(t, hello.Decode(&hp))
	assert.Equal(t, 1, hp.ActiveAlerts)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Publish(protocol.MsgAlertFired, "", map[string]string{"rule": "high_cpu"})

	ev := readEnvelope(t, ctx, conn)
	assert.Equal(t, protocol.MsgAlertFired, ev.Type)
	var payload map[string]string
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "high_cpu", payload["rule"])
}

func TestHub_RejectsBadToken(t *testing.T) {
	_, srv := newTestHub("secret")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?token=secret", nil)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub, srv := newTestHub()
	defer srv.Close()
	hub.Publish(protocol.MsgOperation, "op_1", map[string]string{"outcome": "success"})
	assert.Zero(t, hub.ClientCount())
}

func TestHub_AlertAndApprovalEvents(t *testing.T) {
	hub, srv := newTestHub()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, ctx, conn) // hello

	hub.AlertChanged(alerting.Change{Kind: alerting.ChangeResolved, Alert: alerting.ActiveAlert{Rule: "high_disk"}})
	ev := readEnvelope(t, ctx, conn)
	assert.Equal(t, protocol.MsgAlertResolved, ev.Type)

	hub.ApprovalChanged(&approval.PendingApproval{ID: "ap-1", Status: approval.StatusPending, Request: approval.Request{RequestID: "op_1"}})
	ev = readEnvelope(t, ctx, conn)
	assert.Equal(t, protocol.MsgApprovalPending, ev.Type)
	assert.Equal(t, "op_1", ev.RequestID)
}
