package logfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/imager/core-go/internal/model"
	"github.com/example/imager/core-go/internal/store"
)

func newStoreWithJob(t *testing.T) (*store.SQLite, model.Job) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if _, err := s.EnsureQueue(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	job, err := s.CreateJob(ctx, model.JobParams{ImageType: "live"}, "42", "", "web")
	if err != nil {
		t.Fatal(err)
	}
	return s, job
}

func waitForLog(t *testing.T, s *store.SQLite, id string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Log != "" {
			return job.Log
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log for %s never arrived", id)
	return ""
}

type funcSource struct {
	mu    sync.Mutex
	calls int
	fn    func(jobID string) (string, error)
}

func (s *funcSource) FetchLog(_ context.Context, jobID string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(jobID)
}

func (s *funcSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFetcherPopulatesLog(t *testing.T) {
	s, job := newStoreWithJob(t)

	src := &funcSource{fn: func(jobID string) (string, error) {
		return "log for " + jobID, nil
	}}
	f := New(s, src)
	f.Start(context.Background())
	defer f.Stop()

	f.Request(job.ID)
	if got := waitForLog(t, s, job.ID); got != "log for "+job.ID {
		t.Errorf("log = %q", got)
	}
}

func TestFetcherDeduplicatesPending(t *testing.T) {
	s, job := newStoreWithJob(t)

	release := make(chan struct{})
	src := &funcSource{fn: func(jobID string) (string, error) {
		<-release
		return "slow log", nil
	}}
	f := New(s, src)
	f.Start(context.Background())
	defer f.Stop()

	f.Request(job.ID)
	f.Request(job.ID)
	f.Request(job.ID)
	close(release)

	waitForLog(t, s, job.ID)
	// let any duplicate queue entries drain
	time.Sleep(50 * time.Millisecond)
	if n := src.callCount(); n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}
}

func TestFetcherRetriesAfterFailure(t *testing.T) {
	s, job := newStoreWithJob(t)

	var mu sync.Mutex
	fail := true
	src := &funcSource{fn: func(jobID string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("boss unreachable")
		}
		return "recovered log", nil
	}}
	f := New(s, src)
	f.Start(context.Background())
	defer f.Stop()

	f.Request(job.ID)
	deadline := time.Now().Add(5 * time.Second)
	for src.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	// the failed fetch cleared pending, so a later read can re-trigger
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.Request(job.ID)
		jobNow, err := s.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if jobNow.Log != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("log never recovered after source came back")
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/logs/")
		if id == "missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote log for " + id))
	}))
	defer srv.Close()

	src := HTTPSource{BaseURL: srv.URL + "/logs"}
	got, err := src.FetchLog(context.Background(), "42-20230101-120000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "remote log for 42-20230101-120000" {
		t.Errorf("log = %q", got)
	}

	if _, err := src.FetchLog(context.Background(), "missing"); err == nil {
		t.Error("missing log fetch succeeded")
	}
}
