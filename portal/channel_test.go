package portal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func TestChannel_AuthMessageSentOnConnect(t *testing.T) {
	var mu sync.Mutex
	var gotToken string
	received := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg authMessage
		if err := conn.ReadJSON(&msg); err == nil {
			mu.Lock()
			gotToken = msg.Token
			mu.Unlock()
			close(received)
		}
		// keep the connection open until the client disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch := NewChannel(wsURL, "sk-test", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ch.Run(ctx)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received an auth message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotToken != "sk-test" {
		t.Errorf("expected auth token %q, got %q", "sk-test", gotToken)
	}
}

func TestChannel_ConfigUpdateMessageTriggersCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth authMessage
		_ = conn.ReadJSON(&auth)
		_ = conn.WriteJSON(map[string]string{"type": "config_update"})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch := NewChannel(wsURL, "sk-test", nil)

	called := make(chan struct{})
	ch.OnConfigUpdate = func() { close(called) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ch.Run(ctx)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnConfigUpdate to fire after a config_update push")
	}
}

func TestChannel_EmptyURLRunIsANoOp(t *testing.T) {
	ch := NewChannel("", "sk-test", nil)

	done := make(chan struct{})
	go func() {
		ch.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected Run to return immediately with an empty URL")
	}
}
