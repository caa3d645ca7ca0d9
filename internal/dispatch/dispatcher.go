package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/imager/core-go/internal/builder"
	"github.com/example/imager/core-go/internal/model"
	"github.com/example/imager/core-go/internal/store"
)

// Dispatcher runs a pool of workers that claim queued jobs, invoke the
// external builder, and record the outcome. Workers are stateless beyond the
// job they currently hold; the store is the single source of truth.
type Dispatcher struct {
	store        *store.SQLite
	builder      builder.Builder
	queues       []string
	workers      int
	pollInterval time.Duration
	lease        time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func New(st *store.SQLite, b builder.Builder, queues []string, workers int, pollInterval, lease time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if lease <= 0 {
		lease = time.Hour
	}
	return &Dispatcher{
		store:        st,
		builder:      b,
		queues:       queues,
		workers:      workers,
		pollInterval: pollInterval,
		lease:        lease,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the worker pool and the lease-reclaim loop. It returns
// immediately; use Stop or cancel ctx to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, uuid.NewString())
	}
	d.wg.Add(1)
	go d.runReclaim(ctx)
}

// Stop halts all workers and blocks until they have drained.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		default:
		}

		if !d.claimOnce(ctx, workerID) {
			select {
			case <-ctx.Done():
				return
			case <-d.stopChan:
				return
			case <-time.After(d.pollInterval):
			}
		}
	}
}

// claimOnce tries each queue in order and processes at most one job.
// It reports whether a job was claimed.
func (d *Dispatcher) claimOnce(ctx context.Context, workerID string) bool {
	for _, queue := range d.queues {
		job, err := d.store.Claim(ctx, queue, workerID, d.lease)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("worker %s: claim on %s: %v", workerID, queue, err)
			}
			return false
		}
		d.process(ctx, job)
		return true
	}
	return false
}

func (d *Dispatcher) process(ctx context.Context, job model.Job) {
	log.Printf("building %s (queue=%s type=%s)", job.ID, job.QueueName, job.Params.ImageType)

	buildLog, err := d.builder.Build(ctx, job)
	if buildLog != "" {
		if logErr := d.store.SetLog(ctx, job.ID, buildLog); logErr != nil {
			log.Printf("job %s: save log: %v", job.ID, logErr)
		}
	}

	if err != nil {
		// Builder failures are recorded on the job, never propagated: the
		// submitter observes them on a later poll.
		if upErr := d.store.UpdateStatus(ctx, job.ID, model.JobError, err.Error()); upErr != nil {
			log.Printf("job %s: mark error: %v", job.ID, upErr)
		}
		return
	}
	if upErr := d.store.UpdateStatus(ctx, job.ID, model.JobDone, ""); upErr != nil {
		log.Printf("job %s: mark done: %v", job.ID, upErr)
	}
}

// runReclaim periodically returns running jobs with lapsed leases to the
// queue so a crashed worker cannot strand them.
func (d *Dispatcher) runReclaim(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			n, err := d.store.ReclaimExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("reclaim: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("reclaimed %d orphaned job(s)", n)
			}
		}
	}
}
