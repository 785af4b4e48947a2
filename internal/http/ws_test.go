package httpapi

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/notify"
)

func TestWSSessionRemovedOnDisconnect(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{}, logging.NewLogger("error"))
	if err != nil {
		t.Fatalf("server wiring: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/mechanics/m1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ping := map[string]any{"event": "ping"}
	deadline := time.Now().Add(3 * time.Second)
	for srv.WSReg.Send("m1", ping) != nil {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	for {
		err := srv.WSReg.Send("m1", ping)
		if errors.Is(err, notify.ErrNoSession) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after disconnect, last err=%v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
