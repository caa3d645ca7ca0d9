package logfetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/example/imager/core-go/internal/store"
)

// Source retrieves the build log for a job from wherever the builder left it.
type Source interface {
	FetchLog(ctx context.Context, jobID string) (string, error)
}

// HTTPSource fetches logs from a log server keyed by job id: GET <base>/<id>.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPSource) FetchLog(ctx context.Context, jobID string) (string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/"+jobID, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log source returned %s for %s", resp.Status, jobID)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Fetcher populates job logs on demand. Requests are fire-and-forget: the
// read path that notices a terminal job without a log calls Request and moves
// on; the log shows up in the store for a later read. Requests are
// de-duplicated by job id while a fetch is queued or in flight.
type Fetcher struct {
	store    *store.SQLite
	source   Source
	requests chan string

	mu      sync.Mutex
	pending map[string]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(st *store.SQLite, source Source) *Fetcher {
	return &Fetcher{
		store:    st,
		source:   source,
		requests: make(chan string, 64),
		pending:  make(map[string]struct{}),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Request asks for the log of jobID to be fetched. It never blocks; a
// request that is already pending, or that would overflow the queue, is
// dropped (a later read will re-trigger it).
func (f *Fetcher) Request(jobID string) {
	f.mu.Lock()
	if _, ok := f.pending[jobID]; ok {
		f.mu.Unlock()
		return
	}
	f.pending[jobID] = struct{}{}
	f.mu.Unlock()

	select {
	case f.requests <- jobID:
	default:
		f.clearPending(jobID)
	}
}

// Start runs the fetch loop until Stop or ctx cancellation.
func (f *Fetcher) Start(ctx context.Context) {
	go func() {
		defer close(f.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopChan:
				return
			case jobID := <-f.requests:
				f.fetch(ctx, jobID)
			}
		}
	}()
}

func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	<-f.done
}

func (f *Fetcher) fetch(ctx context.Context, jobID string) {
	defer f.clearPending(jobID)

	text, err := f.source.FetchLog(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("fetch log %s: %v", jobID, err)
		}
		return
	}
	if text == "" {
		return
	}
	if err := f.store.SetLog(ctx, jobID, text); err != nil {
		log.Printf("store log %s: %v", jobID, err)
	}
}

func (f *Fetcher) clearPending(jobID string) {
	f.mu.Lock()
	delete(f.pending, jobID)
	f.mu.Unlock()
}
