package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/diagnostics"
)

const (
	defaultQueueSize      = 256
	defaultPersistTimeout = 5 * time.Second
)

// Job is one persistence write. Its error is logged and counted, never returned
// to the request that produced it.
type Job struct {
	Operation string
	Fields    map[string]string
	Run       func(ctx context.Context, store chatstore.Store) error
}

type SideChannelOptions struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// SideChannelStats are cumulative counters since start.
type SideChannelStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// SideChannel runs persistence jobs on a bounded queue so that storage latency
// and failures never reach the user-facing response.
type SideChannel struct {
	store     chatstore.Store
	collector *diagnostics.Collector
	logger    *zap.SugaredLogger
	timeout   time.Duration

	jobs chan Job
	wg   sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewSideChannel(store chatstore.Store, collector *diagnostics.Collector, logger *zap.SugaredLogger, opts SideChannelOptions) *SideChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPersistTimeout
	}

	sc := &SideChannel{
		store:     store,
		collector: collector,
		logger:    logger,
		timeout:   opts.Timeout,
		jobs:      make(chan Job, opts.QueueSize),
	}

	for i := 0; i < opts.Workers; i++ {
		sc.wg.Add(1)
		go sc.worker()
	}

	return sc
}

// Submit enqueues job without blocking. It reports false when the job was
// dropped because the queue is full or the channel is closed.
func (sc *SideChannel) Submit(job Job) bool {
	if sc == nil || sc.store == nil {
		return false
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.closed {
		sc.dropped.Add(1)
		return false
	}

	// The attempt is counted before a worker can see the job, so its outcome
	// never lands ahead of it.
	sc.collector.RecordAttempt(job.Operation, job.Fields)
	select {
	case sc.jobs <- job:
		sc.submitted.Add(1)
		return true
	default:
		sc.collector.CancelAttempt(job.Operation, job.Fields)
		sc.dropped.Add(1)
		sc.logger.Warnw("persistence queue full, dropping job", "operation", job.Operation)
		return false
	}
}

func (sc *SideChannel) worker() {
	defer sc.wg.Done()
	for job := range sc.jobs {
		sc.run(job)
	}
}

func (sc *SideChannel) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			sc.failed.Add(1)
			sc.collector.RecordFailure(job.Operation, nil, job.Fields)
			sc.logger.Errorw("persistence job panicked", "operation", job.Operation, "panic", r)
		}
	}()

	if err := job.Run(ctx, sc.store); err != nil {
		sc.failed.Add(1)
		sc.collector.RecordFailure(job.Operation, err, job.Fields)
		sc.logger.Warnw("persistence failed", "operation", job.Operation, "fields", job.Fields, "error", err)
		return
	}

	sc.completed.Add(1)
	sc.collector.RecordSuccess(job.Operation, job.Fields)
}

func (sc *SideChannel) Stats() SideChannelStats {
	if sc == nil {
		return SideChannelStats{}
	}
	return SideChannelStats{
		Submitted: sc.submitted.Load(),
		Completed: sc.completed.Load(),
		Failed:    sc.failed.Load(),
		Dropped:   sc.dropped.Load(),
		Queued:    len(sc.jobs),
	}
}

// Close stops accepting jobs and waits for queued ones to finish or ctx to end.
func (sc *SideChannel) Close(ctx context.Context) error {
	if sc == nil {
		return nil
	}

	sc.closeOnce.Do(func() {
		sc.mu.Lock()
		sc.closed = true
		close(sc.jobs)
		sc.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
