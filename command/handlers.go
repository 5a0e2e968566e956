package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-workqueue/core"
)

type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts core.EnqueueOptions) (string, error)
}

type DeadLetterMutator interface {
	RequeueFromDLQ(ctx context.Context, id string, resetAttempts bool) (string, error)
	DeleteDLQEntry(ctx context.Context, id string) error
}

type EnqueueJobCommand struct {
	queue JobEnqueuer
}

func NewEnqueueJobCommand(queue JobEnqueuer) *EnqueueJobCommand {
	return &EnqueueJobCommand{queue: queue}
}

func (c *EnqueueJobCommand) Execute(ctx context.Context, msg EnqueueJobMessage) error {
	if c == nil || c.queue == nil {
		return commandDependencyError("command: job enqueuer is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	id, err := c.queue.Enqueue(ctx, strings.TrimSpace(msg.JobType), msg.Payload, core.EnqueueOptions{
		MaxAttempts: msg.MaxAttempts,
		Delay:       msg.Delay,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, EnqueueJobResult{JobID: id})
	return nil
}

type RequeueDeadLetterCommand struct {
	queue DeadLetterMutator
}

func NewRequeueDeadLetterCommand(queue DeadLetterMutator) *RequeueDeadLetterCommand {
	return &RequeueDeadLetterCommand{queue: queue}
}

func (c *RequeueDeadLetterCommand) Execute(ctx context.Context, msg RequeueDeadLetterMessage) error {
	if c == nil || c.queue == nil {
		return commandDependencyError("command: dead letter store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	entryID := strings.TrimSpace(msg.EntryID)
	jobID, err := c.queue.RequeueFromDLQ(ctx, entryID, msg.ResetAttempts)
	if err != nil {
		return err
	}
	storeResult(ctx, RequeueDeadLetterResult{EntryID: entryID, JobID: jobID})
	return nil
}

type DeleteDeadLetterCommand struct {
	queue DeadLetterMutator
}

func NewDeleteDeadLetterCommand(queue DeadLetterMutator) *DeleteDeadLetterCommand {
	return &DeleteDeadLetterCommand{queue: queue}
}

func (c *DeleteDeadLetterCommand) Execute(ctx context.Context, msg DeleteDeadLetterMessage) error {
	if c == nil || c.queue == nil {
		return commandDependencyError("command: dead letter store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.queue.DeleteDLQEntry(ctx, strings.TrimSpace(msg.EntryID))
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
