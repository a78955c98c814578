package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shardline/shardline/internal/ratelimit"
)

var errNotInitialized = errors.New("store is not initialized")

// RecordIncident appends one 429 to the incident table.
func (s *Store) RecordIncident(ctx context.Context, in ratelimit.Incident) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_incidents (route, bucket, scope, global, retry_after_ms, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.Route, nullString(in.Bucket), nullString(in.Scope), boolToInt(in.Global),
		in.RetryAfter.Milliseconds(), in.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}

func incidentWhere(q ratelimit.IncidentQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if route := strings.TrimSpace(q.Route); route != "" {
		clauses = append(clauses, "route = ?")
		args = append(args, route)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, q ratelimit.IncidentQuery) ([]ratelimit.Incident, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}

	where, args := incidentWhere(q)
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, route, bucket, scope, global, retry_after_ms, occurred_at
		FROM rate_limit_incidents
		%s
		ORDER BY occurred_at DESC, id DESC
		%s
	`, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	incidents := []ratelimit.Incident{}
	for rows.Next() {
		var (
			in         ratelimit.Incident
			bucket     sql.NullString
			scope      sql.NullString
			global     int
			retryAfter int64
			occurredAt int64
		)
		if err := rows.Scan(&in.ID, &in.Route, &bucket, &scope, &global, &retryAfter, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan incidents: %w", err)
		}
		in.Bucket = bucket.String
		in.Scope = scope.String
		in.Global = global != 0
		in.RetryAfter = time.Duration(retryAfter) * time.Millisecond
		in.OccurredAt = time.UnixMilli(occurredAt).UTC()
		incidents = append(incidents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return incidents, nil
}

// CountIncidents counts matching incidents. Limit is ignored.
func (s *Store) CountIncidents(ctx context.Context, q ratelimit.IncidentQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	where, args := incidentWhere(q)
	var count int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM rate_limit_incidents "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return count, nil
}

// ResetIncidents deletes the incidents of route, or every incident when
// route is empty.
func (s *Store) ResetIncidents(ctx context.Context, route string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	where, args := incidentWhere(ratelimit.IncidentQuery{Route: route})
	result, err := s.DB.ExecContext(ctx, "DELETE FROM rate_limit_incidents "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("reset incidents: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset incidents: %w", err)
	}
	return affected, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ ratelimit.IncidentStore = (*Store)(nil)
