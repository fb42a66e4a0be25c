package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"ekehi.network/internal/audit"
)

// AuditSink appends audit entries to the audit_log table.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditSink)(nil)

func (a *AuditSink) Append(ctx context.Context, e audit.Entry) error {
	fields := []byte("{}")
	if len(e.Fields) > 0 {
		raw, err := json.Marshal(e.Fields)
		if err != nil {
			return err
		}
		fields = raw
	}
	_, err := a.db.ExecContext(ctx, `
		insert into audit_log(id, ts, actor_id, action, resource, decision, severity, request_id, fields)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.Timestamp, e.ActorID, e.Action, e.Resource, string(e.Decision), string(e.Severity),
		nullIfEmpty(e.RequestID), fields)
	return err
}
