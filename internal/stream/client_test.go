package stream

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/doc-remedy/internal/batch"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// sseServer は1接続分のSSE応答を書き出して接続を保持するテストサーバーです。
func sseServer(t *testing.T, conns *atomic.Int32, payloads ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns != nil {
			conns.Add(1)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, payload := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func TestStreamReceivesEvents(t *testing.T) {
	var conns atomic.Int32
	server := sseServer(t, &conns,
		`{"type":"connected"}`,
		`{"type":"job_completed","jobId":"job-1","issuesFixed":2}`,
	)
	defer server.Close()

	received := make(chan *batch.Event, 4)
	health := make(chan bool, 4)
	client := NewClient(server.URL, "secret",
		func(ev *batch.Event) { received <- ev },
		func(connected bool) { health <- connected },
		testLogger(),
	)

	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer client.Disconnect()

	select {
	case connected := <-health:
		if !connected {
			t.Fatal("expected pushConnected=true on open")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for health report")
	}

	select {
	case ev := <-received:
		// ハンドシェイクはハンドラーへ配送されない
		if ev.Type != batch.EventJobCompleted || ev.JobID != "job-1" || ev.IssuesFixed != 2 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStreamTokenAsQueryParameter(t *testing.T) {
	gotToken := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotToken <- r.URL.Query().Get("token"):
		default:
		}
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok&en", func(*batch.Event) {}, nil, testLogger())
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer client.Disconnect()

	select {
	case token := <-gotToken:
		if token != "tok&en" {
			t.Fatalf("token = %q, want tok&en", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestConnectReentrant(t *testing.T) {
	var conns atomic.Int32
	server := sseServer(t, &conns, `{"type":"connected"}`)
	defer server.Close()

	client := NewClient(server.URL, "", func(*batch.Event) {}, nil, testLogger())
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("first Connect returned error: %v", err)
	}
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("reentrant Connect returned error: %v", err)
	}
	defer client.Disconnect()

	time.Sleep(200 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Fatalf("connection count = %d, want 1", got)
	}
}

func TestConnectDifferentBatchRejected(t *testing.T) {
	server := sseServer(t, nil, `{"type":"connected"}`)
	defer server.Close()

	client := NewClient(server.URL, "", func(*batch.Event) {}, nil, testLogger())
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(t.Context(), "batch-2"); err == nil {
		t.Fatal("expected error when connecting to a second batch without disconnecting")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	server := sseServer(t, nil, `{"type":"connected"}`)
	defer server.Close()

	client := NewClient(server.URL, "", func(*batch.Event) {}, nil, testLogger())

	// 未接続での切断はno-op
	client.Disconnect()

	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	client.Disconnect()
	client.Disconnect()

	// 切断後は同じバッチへ再接続できる
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("reconnect returned error: %v", err)
	}
	client.Disconnect()
}

func TestAuthRejectionFailsClosed(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	health := make(chan bool, 4)
	client := NewClient(server.URL, "stale", func(*batch.Event) {}, func(connected bool) { health <- connected }, testLogger())
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer client.Disconnect()

	select {
	case connected := <-health:
		if connected {
			t.Fatal("expected pushConnected=false after auth rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for health report")
	}

	// 認証拒否では静かな再試行をせず打ち切る
	time.Sleep(1300 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Fatalf("connection count = %d, want 1 (no retry after 401)", got)
	}
}

func TestMalformedEventDropped(t *testing.T) {
	server := sseServer(t, nil,
		`{broken json`,
		`{"type":"job_started","jobId":"job-1"}`,
	)
	defer server.Close()

	received := make(chan *batch.Event, 4)
	client := NewClient(server.URL, "", func(ev *batch.Event) { received <- ev }, nil, testLogger())
	if err := client.Connect(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer client.Disconnect()

	select {
	case ev := <-received:
		if ev.Type != batch.EventJobStarted {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
