package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"deliverline/internal/domain"
	"deliverline/internal/events"
	"deliverline/internal/store"
)

const deliverableColumns = `id,name,description,department,created_at,deadline,status,priority,created_by,scan_url,days_overdue,tags_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliverable(row rowScanner) (domain.Deliverable, error) {
	var (
		d                   domain.Deliverable
		createdAt, deadline string
		scanURL             sql.NullString
		tagsJSON            string
	)
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Department, &createdAt, &deadline, &d.Status, &d.Priority,
		&d.CreatedBy, &scanURL, &d.DaysOverdue, &tagsJSON)
	if err == sql.ErrNoRows {
		return d, store.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	if d.Deadline, err = parseTime(deadline); err != nil {
		return d, err
	}
	d.ScanURL = stringPtr(scanURL)
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return d, fmt.Errorf("decode tags of %s: %w", d.ID, err)
	}
	if tags == nil {
		tags = []string{}
	}
	d.Tags = tags
	return d, nil
}

func (r Repo) PutDeliverable(ctx context.Context, d domain.Deliverable, changes ...events.Change) error {
	if d.ID == "" {
		return fmt.Errorf("deliverable id is required")
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(`+deliverableColumns+`,deadline_unix) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, department=excluded.department,
created_at=excluded.created_at, deadline=excluded.deadline, status=excluded.status, priority=excluded.priority,
created_by=excluded.created_by, scan_url=excluded.scan_url, days_overdue=excluded.days_overdue,
tags_json=excluded.tags_json, deadline_unix=excluded.deadline_unix`,
			d.ID, d.Name, d.Description, string(d.Department), formatTime(d.CreatedAt), formatTime(d.Deadline),
			string(d.Status), string(d.Priority), d.CreatedBy, nullableStringPtr(d.ScanURL), d.DaysOverdue, string(tagsJSON),
			d.Deadline.UnixNano())
		if err != nil {
			return fmt.Errorf("upsert deliverable %s: %w", d.ID, err)
		}
		return nil
	})
}

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	return scanDeliverable(r.DB.QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
}

func (r Repo) ListDeliverables(ctx context.Context, f store.Filter) ([]domain.Deliverable, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Departments != nil {
		if len(f.Departments) == 0 {
			return nil, nil
		}
		marks := make([]string, 0, len(f.Departments))
		for _, d := range f.Departments {
			marks = append(marks, "?")
			args = append(args, string(d))
		}
		clauses = append(clauses, "department IN ("+strings.Join(marks, ",")+")")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(deliverables.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	q := strings.TrimSpace(f.Query)
	if q != "" && isASCII(q) {
		// LIKE folds ASCII case only; other queries are matched after the scan.
		pattern := "%" + likeEscaper.Replace(q) + "%"
		clauses = append(clauses, `(name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR department LIKE ? ESCAPE '\'
OR EXISTS (SELECT 1 FROM json_each(deliverables.tags_json) WHERE json_each.value LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern, pattern, pattern)
	}
	order, orderArgs := deliverableOrder(f)
	args = append(args, orderArgs...)
	query := `SELECT ` + deliverableColumns + ` FROM deliverables WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + order
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		if !d.MatchesQuery(q) {
			continue
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// deliverableOrder mirrors domain.SortDeliverables.
func deliverableOrder(f store.Filter) (string, []any) {
	const tiebreak = "deadline_unix ASC, id ASC"
	switch f.Sort {
	case domain.SortByPriority:
		return `CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'low' THEN 3 ELSE 2 END, ` + tiebreak, nil
	case domain.SortByStatus:
		late := int64(math.MinInt64)
		if !f.Now.IsZero() {
			late = f.Now.UnixNano()
		}
		return `CASE WHEN status<>'done' AND deadline_unix<? THEN 0 WHEN status='in_progress' THEN 2 WHEN status='done' THEN 3 ELSE 1 END, ` + tiebreak,
			[]any{late}
	case domain.SortByDepartment:
		return `department ASC, ` + tiebreak, nil
	}
	return tiebreak, nil
}

func (r Repo) DeleteDeliverable(ctx context.Context, id string, changes ...events.Change) error {
	return r.inTx(ctx, changes, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM deliverables WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
