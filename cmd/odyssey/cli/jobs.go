package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-inventory/jobs"
)

// QueueInspector is the part of *asynq.Inspector the CLI reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// JobsCLI triggers and inspects the inventory background jobs.
type JobsCLI struct {
	client    jobs.Enqueuer
	inspector QueueInspector
	closers   []func() error
	now       func() time.Time
}

// NewJobsCLI connects the enqueuer and inspector to Redis.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	c := newJobsCLI(client, inspector)
	c.closers = []func() error{inspector.Close, client.Close}
	return c, nil
}

func newJobsCLI(client jobs.Enqueuer, inspector QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// TriggerOptions adjusts a manual enqueue.
type TriggerOptions struct {
	Delay    time.Duration
	MaxRetry int
	// Unique drops the trigger when the same task is already queued inside the window.
	Unique time.Duration
}

// Trigger enqueues a scheduled job by task name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, ok, err := jobs.NewTaskByName(name, c.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	retries := opts.MaxRetry
	if retries <= 0 {
		retries = 3
	}
	enqueueOpts := []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(retries)}
	if opts.Delay > 0 {
		enqueueOpts = append(enqueueOpts, asynq.ProcessIn(opts.Delay))
	}
	if opts.Unique > 0 {
		enqueueOpts = append(enqueueOpts, asynq.Unique(opts.Unique))
	}
	return c.client.EnqueueContext(ctx, task, enqueueOpts...)
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the default and events queues. A queue that has not
// received a task yet is reported empty.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	out := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueDefault, jobs.QueueEvents} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: queue}
		info, err := c.inspector.GetQueueInfo(queue)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, fmt.Errorf("inspect %s: %w", queue, err)
		case info != nil:
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// ListScheduled returns the next scheduled tasks on the default queue.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
