package command

import (
	"strings"
	"time"
)

const (
	TypeEnqueueJob        = "workqueue.command.job.enqueue"
	TypeRequeueDeadLetter = "workqueue.command.dead_letter.requeue"
	TypeDeleteDeadLetter  = "workqueue.command.dead_letter.delete"
)

type EnqueueJobMessage struct {
	JobType     string
	Payload     map[string]any
	MaxAttempts int
	Delay       time.Duration
}

func (EnqueueJobMessage) Type() string { return TypeEnqueueJob }

func (m EnqueueJobMessage) Validate() error {
	if strings.TrimSpace(m.JobType) == "" {
		return commandValidationError("job_type", "job type is required")
	}
	if m.MaxAttempts < 0 {
		return commandValidationError("max_attempts", "max attempts must be >= 0")
	}
	if m.Delay < 0 {
		return commandValidationError("delay", "delay must be >= 0")
	}
	return nil
}

type RequeueDeadLetterMessage struct {
	EntryID       string
	ResetAttempts bool
}

func (RequeueDeadLetterMessage) Type() string { return TypeRequeueDeadLetter }

func (m RequeueDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return commandValidationError("entry_id", "dead letter entry id is required")
	}
	return nil
}

type DeleteDeadLetterMessage struct {
	EntryID string
}

func (DeleteDeadLetterMessage) Type() string { return TypeDeleteDeadLetter }

func (m DeleteDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return commandValidationError("entry_id", "dead letter entry id is required")
	}
	return nil
}

// EnqueueJobResult is stored on the context result collector after a
// successful enqueue.
type EnqueueJobResult struct {
	JobID string
}

type RequeueDeadLetterResult struct {
	EntryID string
	JobID   string
}
