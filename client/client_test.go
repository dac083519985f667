package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"gocord/internal/gateway"
	"gocord/internal/pool"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Options{
		Token:       "T",
		RestBaseURL: srv.URL,
		Pool: pool.Config{
			MaxConnections: 2,
			Dial: func(host string, port int) (net.Conn, error) {
				return net.Dial("tcp", srv.Listener.Addr().String())
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClient_PostSendsBotAuthAndBody(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Post(context.Background(), "/channels/123/messages", map[string]string{"content": "hi"}, nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if gotAuth != "Bot T" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody != `{"content":"hi"}` {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestClient_DispatchUpdatesCacheBeforeListeners(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()
	c := testClient(t, srv)

	var cachedAtDispatch int
	var readyFired bool
	c.On("GUILD_CREATE", func(args ...interface{}) {
		cachedAtDispatch = c.Caches().Guilds.Len()
	})
	c.On("ready", func(args ...interface{}) { readyFired = true })

	c.onDispatch(gateway.Event{Type: "GUILD_CREATE", Sequence: 1, Raw: []byte(`{"id":"123456789012345678"}`)})
	if cachedAtDispatch != 1 {
		t.Fatalf("cache must be updated before listeners run, saw len=%d", cachedAtDispatch)
	}

	c.onDispatch(gateway.Event{Type: "READY", Sequence: 2, Raw: []byte(`{"guilds":[]}`)})
	if !readyFired {
		t.Fatalf("READY dispatch should emit the ready event")
	}
}
