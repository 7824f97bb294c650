package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore backs the reconciliation queue with any database/sql driver.
// The daemon blank-imports postgres, mysql, sqlite and mssql drivers; the
// driver name decides placeholder style.
type SQLStore struct {
	db      *sql.DB
	driver  string
	backoff Backoff
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS retry_records (
	id               VARCHAR(64)  PRIMARY KEY,
	operation_type   VARCHAR(64)  NOT NULL,
	payload          TEXT         NOT NULL,
	fingerprint      VARCHAR(32)  NOT NULL,
	attempts         INTEGER      NOT NULL DEFAULT 0,
	status           VARCHAR(32)  NOT NULL,
	correlation_id   VARCHAR(64),
	created_at       TIMESTAMP    NOT NULL,
	next_attempt_at  TIMESTAMP    NOT NULL,
	claimed_by       VARCHAR(128),
	claim_expires_at TIMESTAMP,
	last_error       TEXT
)`

func NewSQLStore(driver, dsn string, backoff Backoff) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, backoff: backoff}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create retry_records table: %w", err)
	}
	return s, nil
}

// rebind converts ?-style placeholders to the driver's dialect.
func (s *SQLStore) rebind(query string) string {
	switch s.driver {
	case "postgres":
		var b strings.Builder
		n := 0
		for _, ch := range query {
			if ch == '?' {
				n++
				b.WriteString("$" + strconv.Itoa(n))
				continue
			}
			b.WriteRune(ch)
		}
		return b.String()
	case "sqlserver":
		var b strings.Builder
		n := 0
		for _, ch := range query {
			if ch == '?' {
				n++
				b.WriteString("@p" + strconv.Itoa(n))
				continue
			}
			b.WriteRune(ch)
		}
		return b.String()
	default:
		return query
	}
}

func (s *SQLStore) Enqueue(ctx context.Context, record *RetryRecord) error {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	fp := strconv.FormatUint(record.Fingerprint, 16)

	// Dedupe and insert in one statement: two processes racing on the same
	// failure cannot both pass a separate existence check.
	query := `INSERT INTO retry_records
	          (id, operation_type, payload, fingerprint, attempts, status, correlation_id, created_at, next_attempt_at, last_error)
	          SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ''`
	if s.driver == "mysql" {
		query += ` FROM DUAL`
	}
	query += ` WHERE NOT EXISTS (
	           SELECT 1 FROM retry_records WHERE fingerprint = ? AND status IN ('PENDING', 'CLAIMED'))`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		record.ID, record.OperationType, string(payload), fp, record.Attempts,
		string(record.Status), record.CorrelationID, record.CreatedAt, record.NextAttemptAt, fp)
	if err != nil {
		return fmt.Errorf("failed to insert retry record: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchDue(ctx context.Context, limit int) ([]*RetryRecord, error) {
	now := time.Now().UTC()

	// Expired claims become reclaimable before fetching.
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE retry_records SET status = 'PENDING', claimed_by = NULL, claim_expires_at = NULL
		 WHERE status = 'CLAIMED' AND claim_expires_at < ?`,
	), now)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired claims: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, operation_type, payload, fingerprint, attempts, status, correlation_id,
		        created_at, next_attempt_at, claimed_by, claim_expires_at, last_error
		 FROM retry_records
		 WHERE status = 'PENDING' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC`,
	), now)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due records: %w", err)
	}
	defer rows.Close()

	var out []*RetryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE retry_records
		 SET status = 'CLAIMED', claimed_by = ?, claim_expires_at = ?
		 WHERE id = ?
		   AND (status = 'PENDING' OR (status = 'CLAIMED' AND (claim_expires_at < ? OR claimed_by = ?)))`,
	), workerID, now.Add(lease), id, now, workerID)
	if err != nil {
		return fmt.Errorf("failed to claim retry record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *SQLStore) IncrementAttempt(ctx context.Context, id, lastError string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	attempts := r.Attempts + 1
	if attempts >= s.backoff.MaxAttempts {
		return s.finish(ctx, id, StatusFailedPermanent, lastError, attempts)
	}

	next := time.Now().UTC().Add(s.backoff.Delay(attempts))
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE retry_records
		 SET status = 'PENDING', attempts = ?, next_attempt_at = ?, last_error = ?,
		     claimed_by = NULL, claim_expires_at = NULL
		 WHERE id = ?`,
	), attempts, next, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule retry record: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkSuccess(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusSucceeded, "", -1)
}

func (s *SQLStore) MarkPermanentFailure(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailedPermanent, reason, -1)
}

func (s *SQLStore) finish(ctx context.Context, id string, status RecordStatus, lastError string, attempts int) error {
	query := `UPDATE retry_records
	          SET status = ?, claimed_by = NULL, claim_expires_at = NULL`
	args := []any{string(status)}

	if lastError != "" {
		query += `, last_error = ?`
		args = append(args, lastError)
	}
	if attempts >= 0 {
		query += `, attempts = ?`
		args = append(args, attempts)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to finish retry record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE retry_records
		 SET status = 'PENDING', attempts = 0, next_attempt_at = ?,
		     claimed_by = NULL, claim_expires_at = NULL
		 WHERE id = ?`,
	), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue retry record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*RetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, operation_type, payload, fingerprint, attempts, status, correlation_id,
		        created_at, next_attempt_at, claimed_by, claim_expires_at, last_error
		 FROM retry_records WHERE id = ?`,
	), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get retry record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRecord(rows)
}

func (s *SQLStore) List(ctx context.Context, status RecordStatus, limit int) ([]*RetryRecord, error) {
	query := `SELECT id, operation_type, payload, fingerprint, attempts, status, correlation_id,
	                 created_at, next_attempt_at, claimed_by, claim_expires_at, last_error
	          FROM retry_records`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry records: %w", err)
	}
	defer rows.Close()

	var out []*RetryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (*RetryRecord, error) {
	var r RetryRecord
	var payload, fp, status string
	var correlationID, claimedBy, lastError sql.NullString
	var claimExpires sql.NullTime

	err := rows.Scan(&r.ID, &r.OperationType, &payload, &fp, &r.Attempts, &status,
		&correlationID, &r.CreatedAt, &r.NextAttemptAt, &claimedBy, &claimExpires, &lastError)
	if err != nil {
		return nil, fmt.Errorf("failed to scan retry record: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	fpVal, err := strconv.ParseUint(fp, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fingerprint: %w", err)
	}

	r.Fingerprint = fpVal
	r.Status = RecordStatus(status)
	r.CorrelationID = correlationID.String
	r.ClaimedBy = claimedBy.String
	if claimExpires.Valid {
		r.ClaimExpires = claimExpires.Time
	}
	r.LastError = lastError.String
	return &r, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
