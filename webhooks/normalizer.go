package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-workqueue/core"
)

// FieldAliases lists, in priority order, the envelope keys a provider may use
// for each normalized field.
type FieldAliases struct {
	Event     []string
	Timestamp []string
	ID        []string
	Data      []string
}

func DefaultFieldAliases() FieldAliases {
	return FieldAliases{
		Event:     []string{"event", "type", "event_type"},
		Timestamp: []string{"timestamp", "created", "created_at"},
		ID:        []string{"id", "event_id", "delivery_id"},
		Data:      []string{"data", "payload", "body"},
	}
}

func (a FieldAliases) withDefaults() FieldAliases {
	defaults := DefaultFieldAliases()
	if len(a.Event) == 0 {
		a.Event = defaults.Event
	}
	if len(a.Timestamp) == 0 {
		a.Timestamp = defaults.Timestamp
	}
	if len(a.ID) == 0 {
		a.ID = defaults.ID
	}
	if len(a.Data) == 0 {
		a.Data = defaults.Data
	}
	return a
}

// Normalizer maps provider envelopes onto core.NormalizedEvent.
type Normalizer struct {
	mu       sync.RWMutex
	fallback FieldAliases
	sources  map[string]FieldAliases
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		fallback: DefaultFieldAliases(),
		sources:  map[string]FieldAliases{},
	}
}

// SetSourceAliases overrides the alias table for one source. Empty alias
// lists fall back to the defaults.
func (n *Normalizer) SetSourceAliases(source string, aliases FieldAliases) {
	source = normalizeSource(source)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sources == nil {
		n.sources = map[string]FieldAliases{}
	}
	n.sources[source] = aliases.withDefaults()
}

func (n *Normalizer) aliasesFor(source string) FieldAliases {
	if n == nil {
		return DefaultFieldAliases()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if aliases, ok := n.sources[source]; ok {
		return aliases
	}
	return n.fallback.withDefaults()
}

// Envelope is a decoded request body with the fields the gateway validates.
type Envelope struct {
	Event     string
	Timestamp int64
	ID        string
	Data      map[string]any
}

// Decode parses the raw body as a JSON object. Numbers are kept exact.
func Decode(body []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var out map[string]any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("webhooks: body must be a JSON object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("webhooks: body has trailing data")
	}
	return out, nil
}

// Extract resolves the envelope fields for source. The returned error names
// the first missing or mistyped required field.
func (n *Normalizer) Extract(source string, body map[string]any) (Envelope, error) {
	aliases := n.aliasesFor(normalizeSource(source))
	envelope := Envelope{}

	rawEvent, ok := lookup(body, aliases.Event)
	if !ok {
		return Envelope{}, missingField("event", "is required")
	}
	event, isString := rawEvent.(string)
	if !isString || strings.TrimSpace(event) == "" {
		return Envelope{}, missingField("event", "must be a non-empty string")
	}
	envelope.Event = strings.TrimSpace(event)

	rawTimestamp, ok := lookup(body, aliases.Timestamp)
	if !ok {
		return Envelope{}, missingField("timestamp", "is required")
	}
	seconds, err := unixSeconds(rawTimestamp)
	if err != nil {
		return Envelope{}, missingField("timestamp", err.Error())
	}
	envelope.Timestamp = seconds

	if rawID, ok := lookup(body, aliases.ID); ok {
		envelope.ID = strings.TrimSpace(fmt.Sprint(rawID))
	}

	envelope.Data = map[string]any{}
	if rawData, ok := lookup(body, aliases.Data); ok {
		data, isMap := rawData.(map[string]any)
		if !isMap {
			return Envelope{}, missingField("data", "must be a JSON object")
		}
		envelope.Data = normalizeNumbers(data).(map[string]any)
	}
	return envelope, nil
}

// Normalize builds the event for an extracted envelope, deriving the id from
// the timestamp and raw body when the sender supplied none.
func (n *Normalizer) Normalize(source string, envelope Envelope, rawBody []byte, receivedAt time.Time) core.NormalizedEvent {
	eventID := envelope.ID
	if eventID == "" {
		eventID = DeriveEventID(envelope.Timestamp, rawBody)
	}
	return core.NormalizedEvent{
		EventID:    eventID,
		EventType:  envelope.Event,
		Timestamp:  time.Unix(envelope.Timestamp, 0).UTC(),
		Data:       envelope.Data,
		ReceivedAt: receivedAt.UTC(),
		Source:     normalizeSource(source),
	}
}

// DeriveEventID is deterministic so that a retried delivery of the same body
// maps onto the same ledger row.
func DeriveEventID(timestamp int64, rawBody []byte) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = hash.Write([]byte("."))
	_, _ = hash.Write(rawBody)
	return "evt_" + hex.EncodeToString(hash.Sum(nil))[:32]
}

type fieldError struct {
	field  string
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("webhooks: %s %s", e.field, e.reason)
}

func missingField(field string, reason string) error {
	return &fieldError{field: field, reason: reason}
}

func lookup(body map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if value, ok := body[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func unixSeconds(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if seconds, err := typed.Int64(); err == nil {
			return seconds, nil
		}
		return 0, fmt.Errorf("must be integer seconds")
	case float64:
		if typed != math.Trunc(typed) {
			return 0, fmt.Errorf("must be integer seconds")
		}
		return int64(typed), nil
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return seconds, nil
		}
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed.Unix(), nil
		}
		return 0, fmt.Errorf("must be integer seconds or RFC3339")
	default:
		return 0, fmt.Errorf("must be integer seconds")
	}
}

// normalizeNumbers turns json.Number values back into int64 or float64 so the
// payload serializes the same way it arrived.
func normalizeNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		if float, err := typed.Float64(); err == nil {
			return float
		}
		return typed.String()
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return value
	}
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return core.DefaultSecretKey
	}
	return source
}
