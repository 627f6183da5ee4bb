package tracker

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

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:              baseURL,
		PollInterval:         20 * time.Millisecond,
		PushIdlePollInterval: 10 * time.Second,
		MaxPollFailures:      3,
		Logger:               testLogger(),
	}
}

const processingSnapshot = `{
	"batchId": "batch-1",
	"status": "processing",
	"totalJobs": 1,
	"jobs": [{"jobId": "job-1", "fileName": "a.docx", "status": "processing"}]
}`

// waitFor は条件が真になるまでスナップショットを覗き続けます。
func waitFor(t *testing.T, tr *Tracker, timeout time.Duration, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snapshot := tr.GetSnapshot()
		if cond(snapshot) {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s, last snapshot: %#v", timeout, tr.GetSnapshot())
	return Snapshot{}
}

func TestPollingGivesUpAfterCapScenarioD(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/batches/batch-1" {
			if fetches.Add(1) == 1 {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(processingSnapshot))
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// プッシュチャネルは立てない
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	got := waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Transport.LastError != ""
	})

	if got.Transport.ConsecutivePollFailures != 3 {
		t.Fatalf("consecutivePollFailures = %d, want 3", got.Transport.ConsecutivePollFailures)
	}
	// 正準状態は最後の正常値のまま
	if got.Batch == nil || got.Batch.Status != batch.BatchProcessing {
		t.Fatalf("canonical state mutated by fetch failures: %#v", got.Batch)
	}

	// ループは停止している
	count := fetches.Load()
	time.Sleep(100 * time.Millisecond)
	if fetches.Load() != count {
		t.Fatalf("polling continued after give-up: %d -> %d", count, fetches.Load())
	}
}

func TestRetryRestartsPolling(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/batches/batch-1" {
			if !healthy.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(processingSnapshot))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Transport.LastError != ""
	})

	healthy.Store(true)
	tr.Retry(t.Context())

	got := waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil && s.Batch.Status == batch.BatchProcessing
	})
	if got.Transport.LastError != "" || got.Transport.ConsecutivePollFailures != 0 {
		t.Fatalf("retry did not reset failure state: %#v", got.Transport)
	}
}

func TestPollIntervalFollowsPushHealthScenarioE(t *testing.T) {
	tr := New(testOptions("http://example.invalid"))

	tr.setPushConnected(true)
	if got := tr.pollInterval(); got != 10*time.Second {
		t.Fatalf("interval while push up = %s, want 10s", got)
	}

	// プッシュが切れたら次のtickから標準間隔に戻る
	tr.setPushConnected(false)
	if got := tr.pollInterval(); got != 20*time.Millisecond {
		t.Fatalf("interval while push down = %s, want 20ms", got)
	}
}

func TestPollingRunsWhilePushDown(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/batches/batch-1" {
			fetches.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(processingSnapshot))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	time.Sleep(150 * time.Millisecond)
	if got := fetches.Load(); got < 3 {
		t.Fatalf("fetch count = %d, want >= 3 while push is down", got)
	}
}

func TestAutoStopOnTerminalSnapshot(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/batches/batch-1" {
			fetches.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"batchId": "batch-1",
				"status": "completed",
				"totalJobs": 1,
				"jobs": [{"jobId": "job-1", "fileName": "a.docx", "status": "completed", "issuesFixed": 2}]
			}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil && s.Batch.Status == batch.BatchCompleted
	})

	// 終端到達後は外部からの停止なしでポーリングが止まる
	time.Sleep(60 * time.Millisecond)
	count := fetches.Load()
	time.Sleep(100 * time.Millisecond)
	if fetches.Load() != count {
		t.Fatalf("polling continued after terminal state: %d -> %d", count, fetches.Load())
	}
}

func TestCancelForcesLocalTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			// サーバー側のキャンセルは失敗する
			w.WriteHeader(http.StatusInternalServerError)
		case r.URL.Path == "/api/batches/batch-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(processingSnapshot))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil
	})

	// キャンセル要求が失敗してもローカルは即時かつ不可逆に cancelled
	tr.Cancel(t.Context())
	got := tr.GetSnapshot()
	if got.Batch.Status != batch.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", got.Batch.Status)
	}
}

func TestPushEventsReachReconciler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/batches/batch-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(processingSnapshot))
		case "/api/batches/batch-1/events":
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"job_completed\",\"jobId\":\"job-1\",\"issuesFixed\":6}\n\n")
			flusher.Flush()
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	got := waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil && s.Batch.CompletedJobs == 1
	})
	if got.Batch.Jobs[0].IssuesFixed != 6 {
		t.Fatalf("issuesFixed = %d, want 6", got.Batch.Jobs[0].IssuesFixed)
	}

	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Transport.PushConnected
	})
}

func TestTrackSwitchesBatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/batches/batch-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(processingSnapshot))
		case "/api/batches/batch-2":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"batchId": "batch-2", "status": "pending", "totalJobs": 0, "jobs": []}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	tr := New(testOptions(server.URL))
	if err := tr.Track(t.Context(), "batch-1"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil && s.Batch.BatchID == "batch-1"
	})

	// 追跡対象の切り替えは前のバッチを完全に畳んでから行われる
	if err := tr.Track(t.Context(), "batch-2"); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	defer tr.Stop()

	waitFor(t, tr, 2*time.Second, func(s Snapshot) bool {
		return s.Batch != nil && s.Batch.BatchID == "batch-2"
	})
}
