package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/leadclaw/internal/bus"
	"github.com/stellarlinkco/leadclaw/internal/config"
)

func newTestWebUI(t *testing.T) (*WebUIChannel, *bus.MessageBus, *httptest.Server) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch, err := NewWebUIChannel(config.WebUIConfig{Enabled: true}, config.GatewayConfig{}, b)
	if err != nil {
		t.Fatalf("NewWebUIChannel: %v", err)
	}
	handler, err := ch.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ch, b, srv
}

func dialWS(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func TestNewWebUIChannel(t *testing.T) {
	ch, err := NewWebUIChannel(config.WebUIConfig{}, config.GatewayConfig{Host: "127.0.0.1"}, bus.NewMessageBus(1))
	if err != nil {
		t.Fatalf("NewWebUIChannel: %v", err)
	}
	if ch.Name() != "webui" || ch.addr != "127.0.0.1:18791" {
		t.Fatalf("name = %q addr = %q", ch.Name(), ch.addr)
	}
}

func TestWebUIChannel_ServesPage(t *testing.T) {
	_, _, srv := newTestWebUI(t)
	for _, path := range []string{"/", "/healthz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestWebUIChannel_RoundTrip(t *testing.T) {
	ch, b, srv := newTestWebUI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	defer conn.CloseNow()

	data, _ := json.Marshal(wsMessage{Type: "message", Content: "hello from test"})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	var inbound bus.InboundMessage
	select {
	case inbound = <-b.Inbound:
	case <-ctx.Done():
		t.Fatal("timeout waiting for inbound message")
	}
	if inbound.Channel != "webui" || inbound.Content != "hello from test" || !strings.HasPrefix(inbound.ChatID, "webui-") {
		t.Fatalf("inbound = %+v", inbound)
	}

	err := ch.Send(bus.OutboundMessage{
		Channel:  "webui",
		ChatID:   inbound.ChatID,
		Content:  "reply from bot",
		Metadata: map[string]any{bus.MetaStage: "NAME_COLLECTION"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var resp wsMessage
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Type != "message" || resp.Content != "reply from bot" || resp.Stage != "NAME_COLLECTION" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestWebUIChannel_ResetFrame(t *testing.T) {
	_, b, srv := newTestWebUI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	defer conn.CloseNow()

	for _, frame := range []string{`not json`, `{"type":"message"}`, `{"type":"typing"}`, `{"type":"reset"}`} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			t.Fatalf("ws write: %v", err)
		}
	}
	select {
	case in := <-b.Inbound:
		if !in.WantsReset() || in.Content != "" {
			t.Fatalf("inbound = %+v", in)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for reset")
	}
}

func TestWebUIChannel_SendToUnknownClient(t *testing.T) {
	ch, _, srv := newTestWebUI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other := dialWS(t, ctx, srv)
	defer other.CloseNow()

	err := ch.Send(bus.OutboundMessage{Channel: "webui", ChatID: "webui-999", Content: "private"})
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("err = %v, want ErrClientGone", err)
	}

	readCtx, readCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer readCancel()
	if _, _, err := other.Read(readCtx); err == nil {
		t.Fatal("message leaked to another visitor")
	}
}
