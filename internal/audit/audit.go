package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"ekehi.network/internal/ids"
)

// Decision is the outcome recorded for an authorization check.
type Decision string

const (
	Granted Decision = "GRANTED"
	Denied  Decision = "DENIED"
)

// Severity is the log level an entry is written at.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// ThreatLevel classifies reported security threats.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

// Severity maps a threat level onto the log severity.
func (t ThreatLevel) Severity() Severity {
	switch t {
	case ThreatHigh:
		return SeverityError
	case ThreatMedium:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Entry is one immutable audit record. ActorID is always redacted.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	ActorID   string            `json:"actor_id,omitempty"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Decision  Decision          `json:"decision,omitempty"`
	Severity  Severity          `json:"severity"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink persists entries. Implementations only ever append.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Logger builds redacted entries and hands them to a Sink.
// A nil *Logger discards everything.
type Logger struct {
	sink Sink
	now  func() time.Time
}

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a Logger writing to sink.
func New(sink Sink, opts ...Option) *Logger {
	l := &Logger{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogDecision records an access-control outcome. Denials are WARN, grants INFO.
func (l *Logger) LogDecision(ctx context.Context, actorID, resource, permission string, granted bool) error {
	e := Entry{
		ActorID:  actorID,
		Action:   "access." + strings.ToLower(permission),
		Resource: resource,
		Decision: Granted,
		Severity: SeverityInfo,
		Fields:   map[string]string{"permission": permission},
	}
	if !granted {
		e.Decision = Denied
		e.Severity = SeverityWarn
	}
	return l.append(ctx, e)
}

// LogSecurityThreat records a detected threat such as clock skew or a
// malformed session token.
func (l *Logger) LogSecurityThreat(ctx context.Context, threatType, description string, level ThreatLevel) error {
	threatType = strings.TrimSpace(threatType)
	if threatType == "" {
		return errors.New("threat type is required")
	}
	return l.append(ctx, Entry{
		Action:   "threat." + threatType,
		Severity: level.Severity(),
		Fields: map[string]string{
			"description":  description,
			"threat_level": string(level),
		},
	})
}

// LogSession records a session lifecycle action. Session identifiers are
// redacted to their last four characters.
func (l *Logger) LogSession(ctx context.Context, action, userID string, sessionIDs ...string) error {
	fields := make(map[string]string, len(sessionIDs))
	switch len(sessionIDs) {
	case 0:
	case 1:
		fields["session"] = Redact(sessionIDs[0])
	default:
		fields["old_session"] = Redact(sessionIDs[0])
		fields["new_session"] = Redact(sessionIDs[1])
	}
	return l.append(ctx, Entry{
		ActorID:  userID,
		Action:   "session." + action,
		Resource: "session",
		Severity: SeverityInfo,
		Fields:   fields,
	})
}

// LogEvent records a domain event performed by actorID.
func (l *Logger) LogEvent(ctx context.Context, event, actorID string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	return l.append(ctx, Entry{
		ActorID:  actorID,
		Action:   event,
		Severity: SeverityInfo,
		Fields:   fields,
	})
}

func (l *Logger) append(ctx context.Context, e Entry) error {
	if l == nil || l.sink == nil {
		return nil
	}
	e.ID = ids.New()
	e.Timestamp = l.now().UTC()
	if e.ActorID != "" {
		e.ActorID = Redact(e.ActorID)
	}
	e.RequestID = requestIDFromContext(ctx)
	e.Fields = copyFields(e.Fields)
	return l.sink.Append(ctx, e)
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const (
	maskChar    = "*"
	visibleTail = 4
)

// Redact masks all but the last four characters behind a fixed-width mask,
// so equal identifiers map to equal outputs and the original length is hidden.
func Redact(id string) string {
	mask := strings.Repeat(maskChar, visibleTail)
	r := []rune(id)
	if len(r) <= visibleTail {
		return mask
	}
	return mask + string(r[len(r)-visibleTail:])
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
