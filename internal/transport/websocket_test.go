package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}

	// Echo server: receive one frame, send it back.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		tr := NewWebSocket(ws)
		defer tr.Close()

		f, err := tr.Receive()
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if err := tr.Send(f); err != nil {
			t.Errorf("server send: %v", err)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	tr := NewWebSocket(ws)
	defer tr.Close()

	want := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if err := tr.Send(NewFrame(want)); err != nil {
		t.Fatalf("send: %v", err)
	}

	f, err := tr.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(f.Content, want) {
		t.Errorf("echoed content = %q, want %q", f.Content, want)
	}
}
