// Package dispatcher runs the worker pool that consumes the durable task
// queue. It claims stage tasks, admits them against staging headroom,
// keeps their queue claims alive while they run, and hands them to the
// pipeline engine.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/observability"
	"github.com/kumoproj/kumo/internal/pipeline"
	"github.com/kumoproj/kumo/internal/staging"
	"github.com/kumoproj/kumo/internal/store"
)

// TaskHandler executes one stage task. A nil return acks the task; a
// *pipeline.RetryLater nacks it with a delay; any other error leaves the
// claim to expire so the task is redelivered.
type TaskHandler func(ctx context.Context, task store.Task) error

// Config holds dispatcher tuning.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	MaxPollBackoff      time.Duration
	HeartbeatInterval   time.Duration
	VisibilityExtension time.Duration

	// MinStagingBytes is the headroom required before an export or convert
	// task is admitted; below it the task is delayed, not failed.
	MinStagingBytes   int64
	StagingRetryDelay time.Duration
}

// Dispatcher is the queue-consuming worker pool.
type Dispatcher struct {
	queue   store.Queue
	staging staging.Store
	handler TaskHandler
	logger  *logger.Logger
	metrics *observability.Metrics
	cfg     Config
	done    chan struct{}
}

// New creates a dispatcher feeding tasks to handler.
func New(q store.Queue, stage staging.Store, handler TaskHandler, metrics *observability.Metrics, log *logger.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Minute
	}
	if cfg.VisibilityExtension <= 0 {
		cfg.VisibilityExtension = 5 * time.Minute
	}
	if cfg.MinStagingBytes <= 0 {
		cfg.MinStagingBytes = 5 << 30
	}
	if cfg.StagingRetryDelay <= 0 {
		cfg.StagingRetryDelay = 30 * time.Second
	}
	return &Dispatcher{
		queue:   q,
		staging: stage,
		handler: handler,
		metrics: metrics,
		logger:  log,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Run starts the pull loop and blocks until ctx is cancelled. On shutdown
// it stops claiming new tasks and waits for in-flight stages to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infof("Dispatcher starting with %d workers", d.cfg.Workers)

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	backoff := d.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Shutting down, waiting for in-flight tasks to finish...")
			wg.Wait()
			close(d.done)
			return ctx.Err()

		case <-time.After(backoff):
			triggerPoll()

		case <-pollNow:
			slots := d.cfg.Workers - len(sem)
			if slots <= 0 {
				continue
			}
			tasks, err := d.queue.Dequeue(ctx, slots)
			if err != nil {
				d.logger.Errorf("Dequeue failed: %v", err)
				continue
			}
			if len(tasks) == 0 {
				backoff *= 2
				if backoff > d.cfg.MaxPollBackoff {
					backoff = d.cfg.MaxPollBackoff
				}
				continue
			}
			backoff = d.cfg.PollInterval
			if d.metrics != nil {
				d.metrics.TasksClaimed.Set(float64(len(tasks)))
			}

			for _, task := range tasks {
				sem <- struct{}{}
				wg.Add(1)
				go func(task store.Task) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					d.process(ctx, task)
				}(task)
			}
			if len(tasks) == slots {
				triggerPoll()
			}
		}
	}
}

// Done is closed once the dispatcher has fully drained.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) process(ctx context.Context, task store.Task) {
	// Export and convert both consume staging disk proportional to the
	// image; without headroom the task is delayed instead of burning an
	// attempt.
	if task.Stage == migrate.StageExporting || task.Stage == migrate.StageConverting {
		avail, err := d.staging.Available(ctx)
		if err != nil {
			d.logger.Warningf("Staging availability check failed: %v", err)
		} else if avail < d.cfg.MinStagingBytes {
			d.logger.Warningf("Staging exhausted (%d bytes free), delaying %s task for job %s",
				avail, task.Stage, task.JobID)
			if err := d.queue.Nack(ctx, task.ID, time.Now().Add(d.cfg.StagingRetryDelay)); err != nil {
				d.logger.Errorf("Nack failed for task %d: %v", task.ID, err)
			}
			return
		}
	}

	if d.metrics != nil {
		d.metrics.TasksInFlight.Inc()
		defer d.metrics.TasksInFlight.Dec()
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go d.runHeartbeat(heartbeatCtx, task.ID)

	// The stage keeps running through a shutdown so the drain is graceful;
	// the per-stage timeout still bounds it.
	err := d.handler(context.WithoutCancel(ctx), task)
	stopHeartbeat()

	switch {
	case err == nil:
		if err := d.queue.Ack(context.Background(), task.ID); err != nil {
			d.logger.Errorf("Ack failed for task %d: %v", task.ID, err)
		}
	case isRetryLater(err):
		var rl *pipeline.RetryLater
		errors.As(err, &rl)
		if err := d.queue.Nack(context.Background(), task.ID, time.Now().Add(rl.After)); err != nil {
			d.logger.Errorf("Nack failed for task %d: %v", task.ID, err)
		}
	default:
		// Leave the claim; the visibility timeout redelivers the task.
		d.logger.Errorf("Task %d (%s, job %s) failed without a durable result: %v",
			task.ID, task.Stage, task.JobID, err)
	}
}

func isRetryLater(err error) bool {
	var rl *pipeline.RetryLater
	return errors.As(err, &rl)
}

// runHeartbeat extends the task's queue claim while its stage runs so the
// task is not redelivered mid-execution.
func (d *Dispatcher) runHeartbeat(ctx context.Context, taskID int64) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.queue.Extend(context.Background(), taskID, time.Now().Add(d.cfg.VisibilityExtension)); err != nil {
				d.logger.Warningf("Heartbeat failed for task %d: %v", taskID, err)
			}
		}
	}
}
