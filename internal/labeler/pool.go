package labeler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/eniz1806/VaultGallery/internal/notify"
)

type job struct {
	bucket string
	key    string
}

// Pool processes images on a fixed set of workers fed by a bounded queue.
type Pool struct {
	processor  *Processor
	workerCh   chan job
	wg         sync.WaitGroup
	maxWorkers int

	mu      sync.RWMutex
	stopped bool
}

func NewPool(processor *Processor, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		processor:  processor,
		workerCh:   make(chan job, queueSize),
		maxWorkers: workers,
	}
}

// Start launches worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-p.workerCh:
					if !ok {
						return
					}
					if _, err := p.processor.Process(ctx, j.bucket, j.key); err != nil {
						slog.Warn("labeling failed", "bucket", j.bucket, "key", j.key, "error", err)
					}
				}
			}
		}()
	}
}

// Stop closes the work channel and waits for workers to drain. Events
// enqueued after Stop are dropped. Calling Stop twice is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.workerCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueDepth returns the current number of pending jobs.
func (p *Pool) QueueDepth() int {
	return len(p.workerCh)
}

// Enqueue queues every object-created record in ev. Records that cannot be
// queued are dropped with a warning. It returns the number queued.
func (p *Pool) Enqueue(ev notify.S3Event) int {
	records := eventRecords(ev)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		if len(records) > 0 {
			slog.Warn("labeler stopped, dropping event", "records", len(records))
		}
		return 0
	}
	queued := 0
	for _, r := range records {
		select {
		case p.workerCh <- r:
			queued++
		default:
			slog.Warn("labeler queue full, dropping event", "bucket", r.bucket, "key", r.key)
		}
	}
	return queued
}

// eventRecords extracts the objects to label from ev. Removal events are
// skipped; records with no event name are treated as creations. Keys that
// fail to decode are logged and skipped.
func eventRecords(ev notify.S3Event) []job {
	var out []job
	for _, r := range ev.Records {
		if r.EventName != "" && !strings.Contains(r.EventName, "ObjectCreated") {
			continue
		}
		key, err := DecodeKey(r.S3.Object.Key)
		if err != nil {
			slog.Warn("skipping event record", "error", err)
			continue
		}
		out = append(out, job{bucket: r.S3.Bucket.Name, key: key})
	}
	return out
}
