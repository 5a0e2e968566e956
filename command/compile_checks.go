package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[EnqueueJobMessage]        = (*EnqueueJobCommand)(nil)
	_ gocmd.Commander[RequeueDeadLetterMessage] = (*RequeueDeadLetterCommand)(nil)
	_ gocmd.Commander[DeleteDeadLetterMessage]  = (*DeleteDeadLetterCommand)(nil)
)
