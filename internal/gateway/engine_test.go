package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// fakeGatewayServer speaks just enough of the protocol for the engine's
// fresh-connect happy path: HELLO, expect IDENTIFY, send READY.
func fakeGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		hello, _ := encodePacket(OpHello, helloData{HeartbeatInterval: 30000})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pkt Packet
		_ = json.Unmarshal(data, &pkt)
		if pkt.Op != OpIdentify {
			t.Logf("expected IDENTIFY, got %s", pkt.Op)
			return
		}

		seq := int64(1)
		readyRaw, _ := json.Marshal(readyData{SessionID: "abc", ResumeGatewayURL: "ws://unused/"})
		ready, _ := json.Marshal(Packet{Op: OpDispatch, T: "READY", S: &seq, D: readyRaw})
		_ = conn.WriteMessage(websocket.TextMessage, ready)

		// keep the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestEngine_FreshConnectReachesReady(t *testing.T) {
	srv := fakeGatewayServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var gotReady bool
	var dispatches []Event

	e := New(Config{
		GatewayURL: wsURL(srv.URL),
		Token:      "T",
		Intents:    513,
		Shard:      Shard{ID: 0, Total: 1},
		OnDispatch: func(ev Event) {
			mu.Lock()
			dispatches = append(dispatches, ev)
			mu.Unlock()
		},
		OnStateChange: func(s Status) {
			if s == StatusReady {
				mu.Lock()
				gotReady = true
				mu.Unlock()
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.After(1500 * time.Millisecond)
	for {
		mu.Lock()
		ready := gotReady
		mu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("engine never reached ready")
		case <-time.After(10 * time.Millisecond):
		}
	}

	snap := e.Snapshot()
	if snap.SessionID != "abc" {
		t.Fatalf("session id = %q, want abc", snap.SessionID)
	}
	if snap.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", snap.Sequence)
	}

	e.Close()
	cancel()
	<-done
}

func TestFatalCloseCodeClassification(t *testing.T) {
	if reason, fatal := isFatalClose(4014); !fatal || reason == "" {
		t.Fatalf("4014 should be fatal")
	}
	if _, fatal := isFatalClose(1006); fatal {
		t.Fatalf("1006 should not be fatal")
	}
}

// resumeServer drops the first connection right after READY and expects a
// RESUME on the second, replaying one missed dispatch before RESUMED.
func resumeServer(t *testing.T, resumed chan<- resumePayload) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	var conns int

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		hello, _ := encodePacket(OpHello, helloData{HeartbeatInterval: 30000})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pkt Packet
		_ = json.Unmarshal(data, &pkt)

		if n == 1 {
			if pkt.Op != OpIdentify {
				t.Logf("expected IDENTIFY on first connection, got %s", pkt.Op)
				return
			}
			seq := int64(42)
			readyRaw, _ := json.Marshal(readyData{SessionID: "abc", ResumeGatewayURL: wsURL(srv.URL)})
			ready, _ := json.Marshal(Packet{Op: OpDispatch, T: "READY", S: &seq, D: readyRaw})
			_ = conn.WriteMessage(websocket.TextMessage, ready)
			return // dropped without a close frame
		}

		if pkt.Op != OpResume {
			t.Logf("expected RESUME on second connection, got %s", pkt.Op)
			return
		}
		var rp resumePayload
		_ = json.Unmarshal(pkt.D, &rp)

		seq := int64(43)
		missed, _ := json.Marshal(Packet{Op: OpDispatch, T: "MESSAGE_CREATE", S: &seq, D: []byte(`{"id":"1"}`)})
		_ = conn.WriteMessage(websocket.TextMessage, missed)
		done, _ := json.Marshal(Packet{Op: OpDispatch, T: "RESUMED"})
		_ = conn.WriteMessage(websocket.TextMessage, done)
		resumed <- rp

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestEngine_ResumesAfterDrop(t *testing.T) {
	resumedCh := make(chan resumePayload, 1)
	srv := resumeServer(t, resumedCh)
	defer srv.Close()

	e := New(Config{
		GatewayURL: wsURL(srv.URL),
		Token:      "T",
		Intents:    513,
		Shard:      Shard{ID: 0, Total: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var rp resumePayload
	select {
	case rp = <-resumedCh:
	case <-time.After(4 * time.Second):
		t.Fatalf("server never received RESUME")
	}
	if rp.SessionID != "abc" || rp.Sequence != 42 {
		t.Fatalf("RESUME payload = %+v, want session abc seq 42", rp)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap := e.Snapshot()
		if snap.Ready && snap.Sequence == 43 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never reached ready with replayed sequence, snapshot=%+v", e.Snapshot())
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.Close()
	cancel()
	<-done
}
