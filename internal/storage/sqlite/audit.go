package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quillspace/quill/internal/types"
)

// AppendAudit writes one action-log record. The table has no update or
// delete path.
func (s *Store) AppendAudit(ctx context.Context, rec *types.AuditRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	var author any
	if rec.Author != nil {
		author = rec.Author.String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (time, notebook_id, author, action, target_type, target_id, detail, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sqlTime(rec.Time), nilIfEmpty(rec.NotebookID), author, rec.Action,
		nilIfEmpty(rec.TargetType), nilIfEmpty(rec.TargetID), nilIfEmpty(rec.Detail),
		nilIfEmpty(rec.IP), nilIfEmpty(rec.UserAgent))
	if err != nil {
		return wrapDBError("append audit", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListAudit returns a notebook's most recent records, newest first.
func (s *Store) ListAudit(ctx context.Context, notebookID string, limit int) ([]*types.AuditRecord, error) {
	if limit <= 0 || limit > maxBrowseLimit {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, notebook_id, author, action, target_type, target_id, detail, ip, user_agent
		FROM audit_log WHERE notebook_id = ?
		ORDER BY id DESC LIMIT ?
	`, notebookID, limit)
	if err != nil {
		return nil, wrapDBError("list audit", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.AuditRecord
	for rows.Next() {
		var rec types.AuditRecord
		var notebook, author, targetType, targetID, detail, ip, userAgent sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Time, &notebook, &author, &rec.Action,
			&targetType, &targetID, &detail, &ip, &userAgent); err != nil {
			return nil, wrapDBError("scan audit record", err)
		}
		rec.NotebookID = nullString(notebook)
		if author.Valid {
			id, err := types.ParseAuthorID(author.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt audit author: %w", err)
			}
			rec.Author = &id
		}
		rec.TargetType = nullString(targetType)
		rec.TargetID = nullString(targetID)
		rec.Detail = nullString(detail)
		rec.IP = nullString(ip)
		rec.UserAgent = nullString(userAgent)
		records = append(records, &rec)
	}
	return records, wrapDBError("iterate audit records", rows.Err())
}
