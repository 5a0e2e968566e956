package events

import "strings"

type EventKind string

const (
	KindMessageCreated      EventKind = "message.created"
	KindConversationCreated EventKind = "conversation.created"
	KindFileUploaded        EventKind = "file.uploaded"
	KindAgentTrigger        EventKind = "agent.trigger"
	KindPing                EventKind = "ping"
	KindUnknown             EventKind = ""
)

var knownKinds = map[EventKind]string{
	KindMessageCreated:      "message",
	KindConversationCreated: "conversation_id",
	KindFileUploaded:        "file_id",
	KindAgentTrigger:        "agent_id",
	KindPing:                "",
}

// ParseKind maps an event type string onto a known kind. Anything else is
// KindUnknown.
func ParseKind(eventType string) EventKind {
	kind := EventKind(strings.ToLower(strings.TrimSpace(eventType)))
	if _, ok := knownKinds[kind]; ok {
		return kind
	}
	return KindUnknown
}

func (k EventKind) String() string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}

// RequiredField returns the data field the kind cannot be processed without.
func (k EventKind) RequiredField() string {
	return knownKinds[k]
}

func (k EventKind) Known() bool {
	if k == KindUnknown {
		return false
	}
	_, ok := knownKinds[k]
	return ok
}

func Kinds() []EventKind {
	return []EventKind{
		KindMessageCreated,
		KindConversationCreated,
		KindFileUploaded,
		KindAgentTrigger,
		KindPing,
	}
}
