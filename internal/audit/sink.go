package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"ekehi.network/internal/obs"
)

// LogSink writes each entry as one JSON line through the shared logger.
type LogSink struct{}

func (LogSink) Append(_ context.Context, e Entry) error {
	line := map[string]any{
		"ts":       e.Timestamp.Format(time.RFC3339Nano),
		"type":     "audit",
		"level":    strings.ToLower(string(e.Severity)),
		"id":       e.ID,
		"action":   e.Action,
		"severity": e.Severity,
	}
	if e.ActorID != "" {
		line["actor_id"] = e.ActorID
	}
	if e.Resource != "" {
		line["resource"] = e.Resource
	}
	if e.Decision != "" {
		line["decision"] = e.Decision
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if len(e.Fields) > 0 {
		line["fields"] = e.Fields
	} else {
		line["fields"] = map[string]string{}
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, e Entry) error {
	e.Fields = copyFields(e.Fields)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a snapshot; mutating it does not affect the sink.
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		e.Fields = copyFields(e.Fields)
		out[i] = e
	}
	return out
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
