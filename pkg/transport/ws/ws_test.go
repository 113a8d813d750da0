package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// newBackend starts a test backend that hands every accepted connection to handle.
func newBackend(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr := New(url)
	tr.MinBackoff = 10 * time.Millisecond
	tr.MaxBackoff = 50 * time.Millisecond
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitStatus(t *testing.T, tr *Transport, want string) domain.ConnectionStatus {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st := <-tr.Status():
			if st.Status == want {
				return st
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestSendAndReceive(t *testing.T) {
	received := make(chan transport.Envelope, 1)
	url := newBackend(t, func(conn *websocket.Conn) {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		received <- env
		conn.WriteJSON(transport.Envelope{Type: transport.TypeUserEnvs, Data: []byte(`{"envs":["E1"]}`)})
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	tr := newTestTransport(t, url)
	waitStatus(t, tr, domain.StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := transport.NewClient(tr, "u1")
	if err := client.RequestCatalog(ctx, domain.KindSessions, ""); err != nil {
		t.Fatalf("RequestCatalog: %v", err)
	}

	select {
	case env := <-received:
		if env.Type != transport.TypeListSessions || env.Auth.UserID != "u1" {
			t.Errorf("backend got %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend received nothing")
	}

	select {
	case env := <-tr.Messages():
		if env.Type != transport.TypeUserEnvs {
			t.Errorf("Type = %q, want %q", env.Type, transport.TypeUserEnvs)
		}
		data, err := env.Decode()
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := data.(map[string]any)["envs"]; !ok {
			t.Errorf("data = %v, want envs key", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client received nothing")
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	accepted := make(chan struct{}, 4)
	url := newBackend(t, func(conn *websocket.Conn) {
		accepted <- struct{}{}
		// Drop the first connection right away; keep later ones.
		if len(accepted) == 1 {
			return
		}
		conn.ReadMessage()
	})

	tr := newTestTransport(t, url)
	waitStatus(t, tr, domain.StatusConnected)
	waitStatus(t, tr, domain.StatusDisconnected)
	waitStatus(t, tr, domain.StatusConnected)
}

func TestDialFailureReportsError(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1/unreachable")
	st := waitStatus(t, tr, domain.StatusError)
	if st.Error == "" || st.IsConnected {
		t.Errorf("status = %+v, want error text and not connected", st)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	tr := New("ws://127.0.0.1:1/unreachable")
	tr.Start(context.Background())
	tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Send(ctx, transport.Envelope{Type: "PING"}); err != transport.ErrClosed {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
}
