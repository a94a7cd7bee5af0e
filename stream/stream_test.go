package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	t.Cleanup(h.Shutdown)
	return h
}

func TestStats(t *testing.T) {
	h := newTestHub(t)
	stats := h.Stats()
	if stats.MaxConnections != MaxConcurrentConnections {
		t.Errorf("MaxConnections = %d; want %d", stats.MaxConnections, MaxConcurrentConnections)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d; want 0", stats.ActiveConnections)
	}
}

func TestAddRemoveClient(t *testing.T) {
	h := newTestHub(t)
	c := make(chan Message, ClientChannelBuffer)

	if !h.AddClient(c, "127.0.0.1:12345", "TestAgent/1.0") {
		t.Fatal("AddClient() should succeed")
	}
	if got := h.Stats().ActiveConnections; got != 1 {
		t.Errorf("ActiveConnections = %d; want 1", got)
	}

	h.RemoveClient(c)
	h.RemoveClient(c)
	if got := h.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections after remove = %d; want 0", got)
	}
}

func TestConnectionLimit(t *testing.T) {
	h := newTestHub(t)
	h.maxConns = 2

	for i := 0; i < 2; i++ {
		if !h.AddClient(make(chan Message, 1), "127.0.0.1:1", "") {
			t.Fatalf("client %d rejected", i)
		}
	}
	if h.AddClient(make(chan Message, 1), "127.0.0.1:1", "") {
		t.Error("third client should be rejected")
	}
	if got := h.Stats().RejectedConnections; got != 1 {
		t.Errorf("RejectedConnections = %d; want 1", got)
	}
}

func TestBroadcastDelivers(t *testing.T) {
	h := newTestHub(t)
	c := make(chan Message, ClientChannelBuffer)
	h.AddClient(c, "127.0.0.1:1", "")

	h.Publish(EventRun, map[string]string{"state": "Idle"})

	select {
	case msg := <-c:
		if msg.Type != EventRun {
			t.Errorf("Type = %q; want %q", msg.Type, EventRun)
		}
		if msg.Msg != `{"state":"Idle"}` {
			t.Errorf("Msg = %q", msg.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSlowClientDropsMessages(t *testing.T) {
	h := newTestHub(t)
	c := make(chan Message, 1)
	h.AddClient(c, "127.0.0.1:1", "")

	for i := 0; i < 5; i++ {
		h.Broadcast(Message{Type: "x", Msg: "y"})
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats().DroppedClientMsgs < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Stats().DroppedClientMsgs; got != 4 {
		t.Errorf("DroppedClientMsgs = %d; want 4", got)
	}
}

func TestCleanupStaleConnections(t *testing.T) {
	h := newTestHub(t)
	c := make(chan Message, 1)
	h.AddClient(c, "127.0.0.1:1", "")

	if n := h.cleanupStaleConnections(time.Now()); n != 0 {
		t.Errorf("fresh client cleaned up: %d", n)
	}
	if n := h.cleanupStaleConnections(time.Now().Add(3 * CleanupInterval)); n != 1 {
		t.Errorf("cleaned %d; want 1", n)
	}
	if got := h.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections = %d; want 0", got)
	}
}

func TestFormatSSEResponse(t *testing.T) {
	got := formatSSEResponse(Message{Type: EventMesh, Msg: `{"id":"a"}`})
	want := "event: mesh\ndata: {\"id\":\"a\"}\n\n"
	if got != want {
		t.Errorf("formatSSEResponse() = %q; want %q", got, want)
	}
}

// openStream connects an SSE client to h and returns a function that waits
// for a line with the given prefix.
func openStream(t *testing.T, h *Hub) (waitFor func(want string)) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	return func(want string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", want)
				}
				if strings.HasPrefix(line, want) {
					return
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}
}

func TestServeHTTP(t *testing.T) {
	h := newTestHub(t)
	waitFor := openStream(t, h)

	waitFor("event: connected")
	h.Publish(EventMesh, map[string]int{"vertices": 4})
	waitFor("event: mesh")
	waitFor(`data: {"vertices":4}`)
}

func TestIdleViewerSurvivesCleanup(t *testing.T) {
	h := newTestHub(t)
	waitFor := openStream(t, h)
	waitFor("event: connected")

	if n := h.cleanupStaleConnections(time.Now().Add(3 * time.Minute)); n != 0 {
		t.Errorf("cleaned %d connected viewers; want 0", n)
	}
	if got := h.Stats().ActiveConnections; got != 1 {
		t.Errorf("ActiveConnections = %d; want 1", got)
	}

	h.Publish(EventMesh, map[string]string{"meshId": "m1"})
	waitFor("event: mesh")
	waitFor(`data: {"meshId":"m1"}`)
}
