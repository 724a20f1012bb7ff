package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// migrations are applied in order; applied versions are tracked in schema_versions.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS autonomy_transitions (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    action_type  TEXT NOT NULL,
    from_level   INTEGER NOT NULL,
    to_level     INTEGER NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    metrics      TEXT NOT NULL DEFAULT '{}',
    triggered_by TEXT NOT NULL DEFAULT 'auto',
    actor        TEXT NOT NULL DEFAULT '',
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_key ON autonomy_transitions(tenant_id, action_type, timestamp);

CREATE TABLE IF NOT EXISTS audit_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT NOT NULL UNIQUE,
    correlation_id  TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL,
    result          TEXT NOT NULL DEFAULT '',
    actor           TEXT NOT NULL DEFAULT '',
    tenant_id       TEXT NOT NULL DEFAULT '',
    action_type     TEXT NOT NULL DEFAULT '',
    resource        TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    error           TEXT NOT NULL DEFAULT '',
    timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id, action_type);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS shadow_sessions (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    capture_type TEXT NOT NULL,
    status       TEXT NOT NULL,
    started_at   TEXT NOT NULL,
    ended_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON shadow_sessions(tenant_id, started_at DESC);

CREATE TABLE IF NOT EXISTS shadow_interactions (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    tenant_id         TEXT NOT NULL,
    context           TEXT NOT NULL DEFAULT '{}',
    human_action      TEXT NOT NULL,
    agent_alternative TEXT NOT NULL DEFAULT '',
    captured_at       TEXT NOT NULL,
    compared_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON shadow_interactions(session_id, captured_at);

CREATE TABLE IF NOT EXISTS comparison_results (
    interaction_id    TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    tenant_id         TEXT NOT NULL,
    dimensions        TEXT NOT NULL,
    overall_agreement REAL NOT NULL,
    compared_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comparisons_session ON comparison_results(session_id);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS learned_patterns (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    category    TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected')),
    body        TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patterns_tenant_status ON learned_patterns(tenant_id, status);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Transitions ──────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO autonomy_transitions(id, tenant_id, action_type, from_level, to_level, reason, metrics, triggered_by, actor, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO NOTHING
    `,
		rec.ID, rec.TenantID, rec.ActionType, rec.FromLevel, rec.ToLevel,
		rec.Reason, orJSON(rec.Metrics, "{}"), rec.TriggeredBy, rec.Actor, formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListTransitions(ctx context.Context, q TransitionQuery) ([]*TransitionRecord, error) {
	query := `SELECT id,tenant_id,action_type,from_level,to_level,reason,metrics,triggered_by,actor,timestamp FROM autonomy_transitions WHERE 1=1`
	args := []any{}

	if q.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, q.TenantID)
	}
	if q.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, q.ActionType)
	}
	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(q.Since))
	}
	query += ` ORDER BY timestamp ASC, rowid ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var result []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ActionType, &rec.FromLevel, &rec.ToLevel,
			&rec.Reason, &rec.Metrics, &rec.TriggeredBy, &rec.Actor, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Shadow sessions ──────────────────────────────────────────────────────────

func (s *sqliteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO shadow_sessions(id, tenant_id, capture_type, status, started_at, ended_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status   = excluded.status,
            ended_at = excluded.ended_at
    `,
		rec.ID, rec.TenantID, rec.CaptureType, rec.Status, formatTime(rec.StartedAt), formatTimePtr(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,capture_type,status,started_at,ended_at FROM shadow_sessions WHERE id=?`, id)
	rec := &SessionRecord{}
	var started string
	var ended sql.NullString
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.CaptureType, &rec.Status, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.StartedAt, _ = parseTime(started)
	rec.EndedAt = parseTimePtr(ended)
	return rec, nil
}

func (s *sqliteStore) SaveInteraction(ctx context.Context, rec *InteractionRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO shadow_interactions(id, session_id, tenant_id, context, human_action, agent_alternative, captured_at, compared_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            agent_alternative = CASE WHEN excluded.agent_alternative != '' THEN excluded.agent_alternative ELSE shadow_interactions.agent_alternative END,
            compared_at       = COALESCE(excluded.compared_at, shadow_interactions.compared_at)
    `,
		rec.ID, rec.SessionID, rec.TenantID, orJSON(rec.Context, "{}"), rec.HumanAction,
		rec.AgentAlternative, formatTime(rec.CapturedAt), formatTimePtr(rec.ComparedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert interaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) SaveComparison(ctx context.Context, rec *ComparisonRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO comparison_results(interaction_id, session_id, tenant_id, dimensions, overall_agreement, compared_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(interaction_id) DO NOTHING
    `,
		rec.InteractionID, rec.SessionID, rec.TenantID, rec.Dimensions, rec.OverallAgreement, formatTime(rec.ComparedAt),
	)
	if err != nil {
		return fmt.Errorf("insert comparison: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListComparisons(ctx context.Context, sessionID string) ([]*ComparisonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.interaction_id, c.session_id, c.tenant_id, c.dimensions, c.overall_agreement, c.compared_at
        FROM comparison_results c
        LEFT JOIN shadow_interactions i ON i.id = c.interaction_id
        WHERE c.session_id = ?
        ORDER BY i.captured_at ASC, c.interaction_id ASC
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query comparisons: %w", err)
	}
	defer rows.Close()

	var result []*ComparisonRecord
	for rows.Next() {
		rec := &ComparisonRecord{}
		var ts string
		if err := rows.Scan(&rec.InteractionID, &rec.SessionID, &rec.TenantID, &rec.Dimensions, &rec.OverallAgreement, &ts); err != nil {
			return nil, err
		}
		rec.ComparedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Learned patterns ─────────────────────────────────────────────────────────

func (s *sqliteStore) SavePattern(ctx context.Context, rec *PatternRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO learned_patterns(id, tenant_id, session_id, category, status, body, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status     = excluded.status,
            body       = excluded.body,
            updated_at = excluded.updated_at
    `,
		rec.ID, rec.TenantID, rec.SessionID, rec.Category, rec.Status, rec.Body,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListPatterns(ctx context.Context, tenantID, status string) ([]*PatternRecord, error) {
	query := `SELECT id,tenant_id,session_id,category,status,body,created_at,updated_at FROM learned_patterns WHERE 1=1`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var result []*PatternRecord
	for rows.Next() {
		rec := &PatternRecord{}
		var ca, ua string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SessionID, &rec.Category, &rec.Status, &rec.Body, &ca, &ua); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ca)
		rec.UpdatedAt, _ = parseTime(ua)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(event_id, correlation_id, event_type, result, actor, tenant_id, action_type, resource, description, metadata, error, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(event_id) DO NOTHING
    `,
		rec.EventID, rec.CorrelationID, rec.EventType, rec.Result, rec.Actor, rec.TenantID,
		rec.ActionType, rec.Resource, rec.Description, orJSON(rec.Metadata, "{}"), rec.Error, formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	query := `SELECT id,event_id,correlation_id,event_type,result,actor,tenant_id,action_type,resource,description,metadata,error,timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, q.TenantID)
	}
	if q.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, q.ActionType)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(q.To))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var result []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.CorrelationID, &rec.EventType, &rec.Result, &rec.Actor,
			&rec.TenantID, &rec.ActionType, &rec.Resource, &rec.Description, &rec.Metadata, &rec.Error, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) PruneAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func orJSON(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
