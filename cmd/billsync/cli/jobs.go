package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/billsync/jobs"
)

// Enqueuer is the slice of asynq.Client used to submit runs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{client: client, inspector: inspector, closers: []io.Closer{inspector, client}}
}

// NewJobsCLIWith builds the helpers over existing queue handles.
func NewJobsCLIWith(client Enqueuer, inspector jobs.QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnqueueOptions defines the flags of the enqueue command.
type EnqueueOptions struct {
	Input          string
	PolicyFile     string
	UpdateExisting bool
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
}

// EnqueueCommand submits a billsync:run task.
func (c *JobsCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(stderr, "enqueue: client not configured")
		return ExitFailure
	}
	task, err := jobs.NewBillSyncTask(jobs.BillSyncPayload{
		Source:         opts.Input,
		PolicyFile:     opts.PolicyFile,
		UpdateExisting: opts.UpdateExisting,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return ExitFailure
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		_ = json.NewEncoder(stdout).Encode(map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type})
		return ExitOK
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on queue %s\n", info.Type, info.ID, info.Queue)
	return ExitOK
}

// InspectOptions defines the flags of the inspect command.
type InspectOptions struct {
	Queue      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// InspectCommand prints queue statistics.
func (c *JobsCLI) InspectCommand(_ context.Context, opts InspectOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c == nil || c.inspector == nil {
		_, _ = fmt.Fprintln(stderr, "inspect: inspector not configured")
		return ExitFailure
	}
	status, err := jobs.Status(c.inspector, opts.Queue)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect: %v\n", err)
		return ExitFailure
	}
	if opts.JSONOutput {
		_ = json.NewEncoder(stdout).Encode(status)
		return ExitOK
	}
	_, _ = fmt.Fprintf(stdout, "queue %s: size=%d pending=%d active=%d scheduled=%d retry=%d archived=%d processed_today=%d failed_today=%d paused=%t\n",
		status.Queue, status.Size, status.Pending, status.Active, status.Scheduled, status.Retry, status.Archived, status.Processed, status.Failed, status.Paused)
	return ExitOK
}
