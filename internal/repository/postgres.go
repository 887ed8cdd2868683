package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-respond/common/database"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool     *pgxpool.Pool
	timeouts database.Timeouts
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string, timeouts database.Timeouts) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool, timeouts: timeouts}
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// WithTx runs fn in a single transaction. The caller's context bounds the
// whole transaction; each statement is additionally bounded by the write timeout.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{tx: tx, timeouts: r.timeouts}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const caseColumns = `
	c.id, c.title, c.description, c.correlation_key, c.source, c.status,
	c.severity, c.assignee, c.created_at, c.updated_at, c.closed_at`

const caseSelect = `
	SELECT` + caseColumns + `,
		(SELECT COUNT(*) FROM alerts a WHERE a.case_id = c.id) AS alert_count
	FROM cases c`

func scanCase(row pgx.Row) (*models.Case, error) {
	c := &models.Case{}
	err := row.Scan(
		&c.ID, &c.Title, &c.Description, &c.CorrelationKey, &c.Source, &c.Status,
		&c.Severity, &c.Assignee, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt,
		&c.AlertCount,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertCase(ctx context.Context, q querier, nc models.NewCase) (*models.Case, error) {
	source := nc.Source
	if source == "" {
		source = models.CaseSourceManual
	}
	var key *string
	if nc.CorrelationKey != "" {
		key = &nc.CorrelationKey
	}

	query := `
		INSERT INTO cases AS c (id, title, description, correlation_key, source, status, severity, assignee)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, $7)
		RETURNING` + caseColumns + `, 0`

	row := q.QueryRow(ctx, query,
		newID(), nc.Title, nc.Description, key, source, nc.Severity, nc.Assignee,
	)
	c, err := scanCase(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrOpenCaseExists
		}
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return c, nil
}

// CreateCase creates a new case
func (r *PostgresRepository) CreateCase(ctx context.Context, nc models.NewCase) (*models.Case, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	return insertCase(ctx, r.pool, nc)
}

// GetCase retrieves a case by ID with alert count
func (r *PostgresRepository) GetCase(ctx context.Context, id string) (*models.Case, error) {
	if !validID(id) {
		return nil, ErrCaseNotFound
	}

	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	c, err := scanCase(r.pool.QueryRow(ctx, caseSelect+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// ListCases lists cases, newest first
func (r *PostgresRepository) ListCases(ctx context.Context, req *models.ListCasesRequest) ([]*models.Case, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	query := caseSelect + `
		WHERE ($1::text = '' OR c.status = $1::text)
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, string(req.Status), listLimit(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	cases := []*models.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cases: %w", err)
	}
	return cases, nil
}

// UpdateCaseStatus applies an explicit status change. Closed cases stay closed.
func (r *PostgresRepository) UpdateCaseStatus(ctx context.Context, id string, status models.CaseStatus) (*models.Case, error) {
	if !validID(id) {
		return nil, ErrCaseNotFound
	}

	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var current models.CaseStatus
	err = tx.QueryRow(ctx, `SELECT status FROM cases WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	if !current.CanTransitionTo(status) {
		return nil, ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		UPDATE cases
		SET status = $2,
			updated_at = NOW(),
			closed_at = CASE WHEN $2 = 'closed' THEN NOW() ELSE closed_at END
		WHERE id = $1`, id, string(status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrOpenCaseExists
		}
		return nil, fmt.Errorf("failed to update case status: %w", err)
	}

	out, err := scanCase(tx.QueryRow(ctx, caseSelect+` WHERE c.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}
	return out, nil
}

const alertColumns = `
	id, alert_id, case_id, signature, severity, category, source_ip, dest_ip,
	dest_port, protocol, timestamp, raw_data, status, created_at`

// GetCaseAlerts returns the alerts attached to a case, oldest first
func (r *PostgresRepository) GetCaseAlerts(ctx context.Context, caseID string) ([]*models.Alert, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	if _, err := r.GetCase(ctx, caseID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT`+alertColumns+`
		FROM alerts WHERE case_id = $1
		ORDER BY timestamp ASC, alert_id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get case alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a := &models.Alert{}
		if err := rows.Scan(
			&a.ID, &a.AlertID, &a.CaseID, &a.Signature, &a.Severity, &a.Category,
			&a.SourceIP, &a.DestIP, &a.DestPort, &a.Protocol, &a.Timestamp,
			&a.RawData, &a.Status, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

func alertExists(ctx context.Context, q querier, alertID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE alert_id = $1)`, alertID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check alert: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) AlertExists(ctx context.Context, alertID string) (bool, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	return alertExists(ctx, r.pool, alertID)
}

// AddComment adds an analyst comment to a case
func (r *PostgresRepository) AddComment(ctx context.Context, c *models.CaseComment) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	if !validID(c.CaseID) {
		return ErrCaseNotFound
	}
	if c.ID == "" {
		c.ID = newID()
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO case_comments (id, case_id, author, content)
		SELECT $1, id, $3, $4 FROM cases WHERE id = $2
		RETURNING created_at`,
		c.ID, c.CaseID, c.Author, c.Content,
	).Scan(&c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

// ListComments returns a case's comments, oldest first
func (r *PostgresRepository) ListComments(ctx context.Context, caseID string) ([]*models.CaseComment, error) {
	ctx, cancel := r.timeouts.QueryContext(ctx)
	defer cancel()

	if _, err := r.GetCase(ctx, caseID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, author, content, created_at
		FROM case_comments WHERE case_id = $1
		ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	comments := []*models.CaseComment{}
	for rows.Next() {
		c := &models.CaseComment{}
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Author, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ClaimDetection records a detection key. It returns false when the key is
// already held and not yet expired.
func (r *PostgresRepository) ClaimDetection(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO detection_fires (rule_id, bucket_key, window_start, expires_at)
		VALUES ($1, $2, $3, NOW() + make_interval(secs => $4::float8))
		ON CONFLICT (rule_id, bucket_key, window_start) DO UPDATE
			SET expires_at = EXCLUDED.expires_at
			WHERE detection_fires.expires_at <= NOW()`,
		key.RuleID, key.BucketKey, key.WindowStart, ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim detection: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseDetection forgets a detection key so the next tick may fire it again.
func (r *PostgresRepository) ReleaseDetection(ctx context.Context, key models.DetectionKey) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		DELETE FROM detection_fires
		WHERE rule_id = $1 AND bucket_key = $2 AND window_start = $3`,
		key.RuleID, key.BucketKey, key.WindowStart,
	)
	if err != nil {
		return fmt.Errorf("failed to release detection: %w", err)
	}
	return nil
}

// PruneDetections removes expired ledger entries.
func (r *PostgresRepository) PruneDetections(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM detection_fires WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune detections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pgTx implements Tx on a pgx transaction. Savepoints map to pgx nested transactions.
type pgTx struct {
	tx       pgx.Tx
	timeouts database.Timeouts
}

func (t *pgTx) AlertExists(ctx context.Context, alertID string) (bool, error) {
	ctx, cancel := t.timeouts.QueryContext(ctx)
	defer cancel()

	return alertExists(ctx, t.tx, alertID)
}

func (t *pgTx) FindOrCreateOpenCase(ctx context.Context, key string, tmpl models.NewCase) (*models.Case, bool, error) {
	ctx, cancel := t.timeouts.WriteContext(ctx)
	defer cancel()

	// Serializes concurrent writers on the same key until the transaction ends.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return nil, false, fmt.Errorf("failed to lock correlation key: %w", err)
	}

	c, err := scanCase(t.tx.QueryRow(ctx, caseSelect+`
		WHERE c.correlation_key = $1 AND c.status = 'open' AND c.source = 'correlation'
		LIMIT 1`, key))
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to find open case: %w", err)
	}

	tmpl.CorrelationKey = key
	tmpl.Source = models.CaseSourceCorrelation
	c, err = insertCase(ctx, t.tx, tmpl)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (t *pgTx) AttachAlert(ctx context.Context, caseID string, alert *models.Alert) error {
	ctx, cancel := t.timeouts.WriteContext(ctx)
	defer cancel()

	if !validID(caseID) {
		return ErrCaseNotFound
	}

	var status models.CaseStatus
	err := t.tx.QueryRow(ctx, `SELECT status FROM cases WHERE id = $1 FOR UPDATE`, caseID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("failed to lock case: %w", err)
	}
	if !status.AcceptsAlerts() {
		return ErrCaseNotOpen
	}

	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.Status == "" {
		alert.Status = models.AlertStatusNew
	}

	var rawData any
	if len(alert.RawData) > 0 {
		rawData = alert.RawData
	}

	var createdAt time.Time
	err = t.tx.QueryRow(ctx, `
		INSERT INTO alerts (id, alert_id, case_id, signature, severity, category,
			source_ip, dest_ip, dest_port, protocol, timestamp, raw_data, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (alert_id) DO NOTHING
		RETURNING created_at`,
		alert.ID, alert.AlertID, caseID, alert.Signature, alert.Severity, alert.Category,
		alert.SourceIP, alert.DestIP, alert.DestPort, alert.Protocol, alert.Timestamp,
		rawData, string(alert.Status),
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlertExists
		}
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if _, err := t.tx.Exec(ctx, `UPDATE cases SET updated_at = NOW() WHERE id = $1`, caseID); err != nil {
		return fmt.Errorf("failed to touch case: %w", err)
	}

	alert.CaseID = &caseID
	alert.CreatedAt = createdAt
	return nil
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(&pgTx{tx: nested, timeouts: t.timeouts}); err != nil {
		if rbErr := nested.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}
		return err
	}

	if err := nested.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// validID reports whether id can name a row. Malformed ids are treated as missing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
