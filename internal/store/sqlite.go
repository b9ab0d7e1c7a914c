package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/errly-io/errly/internal/fingerprint"
	"github.com/errly-io/errly/pkg/models"
)

// SQLiteStore implements Store against the single embedded SQL file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertOccurrence is the Error Grouper's transactional insert-or-upsert:
// a select followed by insert-or-update inside one transaction, making the
// read-modify-write atomic against concurrent duplicate arrivals.
func (s *SQLiteStore) UpsertOccurrence(ctx context.Context, occ models.Occurrence, now time.Time) (*models.ErrorGroup, bool, error) {
	fp := fingerprintOf(occ)
	nowMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanGroupRow(tx.QueryRowContext(ctx, selectGroupByFingerprintSQL, fp))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		group := &models.ErrorGroup{
			ID:              uuid.NewString(),
			Service:         occ.Service,
			DeploymentID:    occ.DeploymentID,
			Message:         occ.Message,
			StackTrace:      occ.Stack,
			Severity:        occ.Severity,
			Status:          models.StatusNew,
			Endpoint:        occ.Endpoint,
			RawLog:          occ.RawLog,
			Source:          occ.Source,
			Metadata:        occ.Metadata,
			Fingerprint:     fp,
			FirstSeenAt:     nowMs,
			LastSeenAt:      nowMs,
			OccurrenceCount: 1,
			StatusChangedAt: nowMs,
			CreatedAt:       nowMs,
		}
		if err := insertGroup(ctx, tx, group); err != nil {
			if isUniqueViolation(err) {
				return nil, false, ErrDuplicateKey
			}
			return nil, false, fmt.Errorf("insert error group: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit insert: %w", err)
		}
		return group, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("select error group: %w", err)
	}

	severity := existing.Severity.Max(occ.Severity)
	status := existing.Status
	statusChangedAt := existing.StatusChangedAt
	if existing.Status == models.StatusResolved {
		status = models.StatusNew
		statusChangedAt = nowMs
	}

	endpoint := existing.Endpoint
	if occ.Endpoint != nil {
		endpoint = occ.Endpoint
	}
	metadata := existing.Metadata
	if occ.Metadata != nil {
		metadata = occ.Metadata
	}

	if err := updateGroupOnRecurrence(ctx, tx, existing.ID, occ, severity, status, statusChangedAt, endpoint, metadata, nowMs); err != nil {
		return nil, false, fmt.Errorf("update error group: %w", err)
	}

	updated, err := scanGroupRow(tx.QueryRowContext(ctx, selectGroupByIDSQL, existing.ID))
	if err != nil {
		// A row that must exist after an update is missing: hard invariant
		// violation per the error taxonomy.
		return nil, false, fmt.Errorf("invariant violation: group %s vanished after update: %w", existing.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit update: %w", err)
	}

	return updated, false, nil
}

func fingerprintOf(occ models.Occurrence) string {
	stack := ""
	if occ.Stack != nil {
		stack = *occ.Stack
	}
	return fingerprint.Compute(occ.Service, occ.Message, stack)
}

const (
	selectGroupByFingerprintSQL = `
		SELECT id, service, deployment_id, message, stack_trace, severity, status, endpoint,
		       raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
		       occurrence_count, status_changed_at, created_at
		FROM error_groups WHERE fingerprint = ?`

	selectGroupByIDSQL = `
		SELECT id, service, deployment_id, message, stack_trace, severity, status, endpoint,
		       raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
		       occurrence_count, status_changed_at, created_at
		FROM error_groups WHERE id = ?`
)

func insertGroup(ctx context.Context, tx *sql.Tx, g *models.ErrorGroup) error {
	metaJSON, err := marshalMetadata(g.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO error_groups (id, service, deployment_id, message, stack_trace, severity, status,
			endpoint, raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
			occurrence_count, status_changed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Service, g.DeploymentID, g.Message, g.StackTrace, string(g.Severity), string(g.Status),
		g.Endpoint, g.RawLog, string(g.Source), metaJSON, g.Fingerprint, g.FirstSeenAt, g.LastSeenAt,
		g.OccurrenceCount, g.StatusChangedAt, g.CreatedAt)
	return err
}

func updateGroupOnRecurrence(ctx context.Context, tx *sql.Tx, id string, occ models.Occurrence,
	severity models.Severity, status models.Status, statusChangedAt int64,
	endpoint *string, metadata map[string]any, nowMs int64) error {

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE error_groups SET
			deployment_id = ?, raw_log = ?, message = ?, severity = ?, status = ?,
			endpoint = ?, metadata = ?, last_seen_at = ?, occurrence_count = occurrence_count + 1,
			status_changed_at = ?
		WHERE id = ?`,
		occ.DeploymentID, occ.RawLog, occ.Message, string(severity), string(status),
		endpoint, metaJSON, nowMs, statusChangedAt, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroupRow(row rowScanner) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	var stack, endpoint, metaJSON sql.NullString
	var severity, status, source string

	err := row.Scan(&g.ID, &g.Service, &g.DeploymentID, &g.Message, &stack, &severity, &status,
		&endpoint, &g.RawLog, &source, &metaJSON, &g.Fingerprint, &g.FirstSeenAt, &g.LastSeenAt,
		&g.OccurrenceCount, &g.StatusChangedAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}

	g.Severity = models.Severity(severity)
	g.Status = models.Status(status)
	g.Source = models.Source(source)
	if stack.Valid {
		g.StackTrace = &stack.String
	}
	if endpoint.Valid {
		g.Endpoint = &endpoint.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err == nil {
			g.Metadata = m
		}
	}
	return &g, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (s *SQLiteStore) GetErrorGroup(ctx context.Context, id string) (*models.ErrorGroup, error) {
	g, err := scanGroupRow(s.db.QueryRowContext(ctx, selectGroupByIDSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error group: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) ListErrorGroups(ctx context.Context, filter ListFilter) ([]*models.ErrorGroup, int, error) {
	conditions := []string{"1=1"}
	args := []any{}

	if filter.Service != "" {
		conditions = append(conditions, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Range != "" {
		if since := filter.Range.Since(time.Now()); since > 0 {
			conditions = append(conditions, "last_seen_at >= ?")
			args = append(args, since)
		}
	}
	if filter.Query != "" {
		conditions = append(conditions, "(message LIKE ? ESCAPE '\\' OR stack_trace LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLikeWildcards(filter.Query) + "%"
		args = append(args, pattern, pattern)
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_groups WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error groups: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT id, service, deployment_id, message, stack_trace, severity, status, endpoint,
		        raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
		        occurrence_count, status_changed_at, created_at
		 FROM error_groups WHERE %s ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list error groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.ErrorGroup
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan error group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, total, rows.Err()
}

// escapeLikeWildcards escapes %, _ and the escape character itself so
// user-supplied free-text can't smuggle in SQL LIKE wildcards.
func escapeLikeWildcards(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (s *SQLiteStore) GetRelated(ctx context.Context, id string, windowMinutes int) ([]*models.ErrorGroup, error) {
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	if windowMinutes > 60 {
		windowMinutes = 60
	}

	origin, err := s.GetErrorGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	windowMs := int64(windowMinutes) * 60 * 1000
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service, deployment_id, message, stack_trace, severity, status, endpoint,
		       raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
		       occurrence_count, status_changed_at, created_at
		FROM error_groups
		WHERE id != ? AND service != ? AND last_seen_at BETWEEN ? AND ?
		ORDER BY last_seen_at DESC LIMIT 20`,
		origin.ID, origin.Service, origin.LastSeenAt-windowMs, origin.LastSeenAt+windowMs)
	if err != nil {
		return nil, fmt.Errorf("get related: %w", err)
	}
	defer rows.Close()

	var groups []*models.ErrorGroup
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan related: %w", err)
		}
		groups = append(groups, g)
	}
	if groups == nil {
		groups = []*models.ErrorGroup{}
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status models.Status, now time.Time) (*models.ErrorGroup, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE error_groups SET status = ?, status_changed_at = ? WHERE id = ?`,
		string(status), now.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetErrorGroup(ctx, id)
}

func (s *SQLiteStore) DeleteErrorGroups(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM error_groups WHERE id IN ("+strings.Join(placeholders, ",")+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete error groups: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) DeleteAllErrorGroups(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM error_groups")
	if err != nil {
		return 0, fmt.Errorf("delete all error groups: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) DeleteByRetention(ctx context.Context, olderThan time.Time) ([]string, error) {
	cutoff := olderThan.UnixMilli()
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM error_groups WHERE last_seen_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("select retention candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan retention candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.DeleteErrorGroups(ctx, ids); err != nil {
		return nil, fmt.Errorf("delete retention candidates: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, r TimeRange, now time.Time) (StatsResult, error) {
	result := StatsResult{
		BySeverity: map[models.Severity]int{},
		ByStatus:   map[models.Status]int{},
	}

	where := ""
	args := []any{}
	if since := r.Since(now); since > 0 {
		where = "WHERE last_seen_at >= ?"
		args = append(args, since)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT severity, status FROM error_groups "+where, args...)
	if err != nil {
		return result, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sev, st string
		if err := rows.Scan(&sev, &st); err != nil {
			return result, fmt.Errorf("scan stats row: %w", err)
		}
		result.BySeverity[models.Severity(sev)]++
		result.ByStatus[models.Status(st)]++
		result.Total++
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListServices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT service FROM error_groups ORDER BY service")
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, svc)
	}
	if services == nil {
		services = []string{}
	}
	return services, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO sessions (id, expires_at) VALUES (?, ?)",
		sess.ID, sess.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx, "SELECT id, expires_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) SessionValid(ctx context.Context, id string) (bool, error) {
	sess, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.ExpiresAt > time.Now().UnixMilli(), nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", now.UnixMilli())
	if err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InvalidateAllSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	if err != nil {
		return fmt.Errorf("invalidate all sessions: %w", err)
	}
	return nil
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []models.Setting
	for rows.Next() {
		var st models.Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, st)
	}
	if out == nil {
		out = []models.Setting{}
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// violation, the SQLite analog of the Postgres 23505 check.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
