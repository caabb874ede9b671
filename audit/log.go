// Package audit maintains an append-only, bounded ring of invocation and
// denial records with shallow argument redaction.
package audit

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size used when New is called with 0.
const DefaultCapacity = 10000

// DefaultRecentCount is the number of entries Recent returns by default.
const DefaultRecentCount = 50

// Action classifies an audit entry.
type Action string

const (
	ActionInvoke Action = "invoke"
	ActionDeny   Action = "deny"
	ActionError  Action = "error"
)

// Result classifies the outcome of an invocation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Entry is one append-only audit record.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Action     Action         `json:"action"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     Result         `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS *int64         `json:"durationMs,omitempty"`
}

// redactedKeys are substrings that, found in a lower-cased argument key,
// cause that key's value to be replaced with [REDACTED].
var redactedKeys = []string{"password", "secret", "token", "api_key", "apikey", "authorization"}

const redactedValue = "[REDACTED]"

// Redact returns a shallow copy of args with any sensitive top-level value
// replaced.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		sensitive := false
		for _, marker := range redactedKeys {
			if strings.Contains(lower, marker) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out[k] = redactedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// Log is a bounded, mutex-guarded ring buffer of Entry values.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// New constructs a Log with the given capacity (DefaultCapacity if 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Record appends entry, stamping an ID and timestamp if unset, evicting
// the oldest entries if the ring exceeds capacity.
func (l *Log) Record(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = l.entries[over:]
	}
	return entry
}

// LogInvocation records an "invoke" action, redacting args first.
func (l *Log) LogInvocation(server, tool string, args map[string]any, result Result, durationMS *int64) Entry {
	return l.Record(Entry{
		Server:     server,
		Tool:       tool,
		Action:     ActionInvoke,
		Arguments:  Redact(args),
		Result:     result,
		DurationMS: durationMS,
	})
}

// LogDenial records a "deny" action.
func (l *Log) LogDenial(server, tool, reason string) Entry {
	return l.Record(Entry{
		Server: server,
		Tool:   tool,
		Action: ActionDeny,
		Reason: reason,
	})
}

// Recent returns the last count entries in insertion order (DefaultRecentCount if 0).
func (l *Log) Recent(count int) []Entry {
	if count <= 0 {
		count = DefaultRecentCount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if count > len(l.entries) {
		count = len(l.entries)
	}
	start := len(l.entries) - count
	out := make([]Entry, count)
	copy(out, l.entries[start:])
	return out
}

// ForServer returns every entry recorded for name, in insertion order.
func (l *Log) ForServer(name string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Server == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of entries currently resident.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// WriteJSONL writes every resident entry as newline-delimited JSON. This
// is a one-shot snapshot, not durable storage: entries evicted by ring
// rollover before the call are already gone.
func (l *Log) WriteJSONL(w io.Writer) error {
	l.mu.Lock()
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, e := range snapshot {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
