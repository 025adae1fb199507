package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

const uniqueViolation = "23505"

const queueColumns = `id, origin_id, correlation_id, message_type, payload, priority, status,
	retry_count, max_retries, scheduled_at, claimed_by, claimed_at, dedup_key,
	provider_message_id, error_message, metadata, created_at, processed_at`

type PostgresQueueRepo struct {
	db *sql.DB
}

func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueMessage(row rowScanner) (*model.QueueMessage, error) {
	var (
		m          model.QueueMessage
		msgType    string
		status     string
		payload    []byte
		metadata   []byte
		claimedBy  sql.NullString
		claimedAt  sql.NullTime
		dedupKey   sql.NullString
		providerID sql.NullString
		errMsg     sql.NullString
		processed  sql.NullTime
	)
	if err := row.Scan(
		&m.ID,
		&m.OriginID,
		&m.CorrelationID,
		&msgType,
		&payload,
		&m.Priority,
		&status,
		&m.RetryCount,
		&m.MaxRetries,
		&m.ScheduledAt,
		&claimedBy,
		&claimedAt,
		&dedupKey,
		&providerID,
		&errMsg,
		&metadata,
		&m.CreatedAt,
		&processed,
	); err != nil {
		return nil, err
	}

	m.Type = model.MessageType(msgType)
	m.Status = model.Status(status)
	m.Payload = json.RawMessage(payload)
	m.ClaimedBy = claimedBy.String
	m.DedupKey = dedupKey.String
	m.ProviderMessageID = providerID.String
	m.ErrorMessage = errMsg.String
	if claimedAt.Valid {
		t := claimedAt.Time
		m.ClaimedAt = &t
	}
	if processed.Valid {
		t := processed.Time
		m.ProcessedAt = &t
	}
	if err := decodeMetadata(metadata, &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeMetadata(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *PostgresQueueRepo) Insert(ctx context.Context, m *model.QueueMessage) error {
	md, err := encodeMetadata(m.Metadata)
	if err != nil {
		return errs.Store("insert", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO message_queue (
			id, origin_id, correlation_id, message_type, payload, priority, status,
			retry_count, max_retries, scheduled_at, dedup_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
	`,
		m.ID, m.OriginID, m.CorrelationID, string(m.Type), string(m.Payload), m.Priority, string(m.Status),
		m.RetryCount, m.MaxRetries, m.ScheduledAt, nullString(m.DedupKey), md, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errs.Store("insert", err)
}

func (r *PostgresQueueRepo) Get(ctx context.Context, id string) (*model.QueueMessage, error) {
	m, err := scanQueueMessage(r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM message_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Store("get", err)
	}
	return m, nil
}

func (r *PostgresQueueRepo) FindByDedupKey(ctx context.Context, key string) (*model.QueueMessage, error) {
	m, err := scanQueueMessage(r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM message_queue WHERE dedup_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Store("find by dedup key", err)
	}
	return m, nil
}

func (r *PostgresQueueRepo) List(ctx context.Context, f ListFilter) ([]model.QueueMessage, error) {
	f = f.normalized()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM message_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, errs.Store("list", err)
	}
	defer rows.Close()

	return collectQueueRows(rows, "list")
}

func collectQueueRows(rows *sql.Rows, op string) ([]model.QueueMessage, error) {
	var out []model.QueueMessage
	for rows.Next() {
		m, err := scanQueueMessage(rows)
		if err != nil {
			return nil, errs.Store(op, err)
		}
		out = append(out, *m)
	}
	return out, errs.Store(op, rows.Err())
}

// Claim moves the next eligible row to processing in one statement. The inner
// SELECT locks the chosen row and skips rows locked by concurrent claimers.
func (r *PostgresQueueRepo) Claim(ctx context.Context, req ClaimRequest) (*model.QueueMessage, error) {
	m, err := scanQueueMessage(r.db.QueryRowContext(ctx, `
		UPDATE message_queue
		SET status = 'processing', claimed_by = $1, claimed_at = $2
		WHERE status = 'pending' AND id = (
			SELECT id FROM message_queue
			WHERE status = 'pending' AND scheduled_at <= $2
			ORDER BY
				CASE WHEN scheduled_at <= $3 THEN 0 ELSE 1 END,
				CASE WHEN scheduled_at <= $3 THEN 0 ELSE priority END,
				scheduled_at,
				id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+queueColumns,
		req.WorkerID, req.Now, req.StarvedBefore,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Store("claim", err)
	}
	return m, nil
}

func (r *PostgresQueueRepo) guarded(ctx context.Context, op, id, workerID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Store(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store(op, err)
	}
	if n == 0 {
		return &errs.ClaimConflictError{MessageID: id, WorkerID: workerID}
	}
	return nil
}

func (r *PostgresQueueRepo) Heartbeat(ctx context.Context, id, workerID string, at time.Time) error {
	return r.guarded(ctx, "heartbeat", id, workerID, `
		UPDATE message_queue SET claimed_at = $3
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, id, workerID, at)
}

func (r *PostgresQueueRepo) Complete(ctx context.Context, id, workerID, providerMessageID string, at time.Time) error {
	return r.guarded(ctx, "complete", id, workerID, `
		UPDATE message_queue
		SET status = 'done', processed_at = $3, provider_message_id = $4, error_message = NULL
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, id, workerID, at, nullString(providerMessageID))
}

func (r *PostgresQueueRepo) Retry(ctx context.Context, id, workerID, errMsg string, nextAt time.Time) error {
	return r.guarded(ctx, "retry", id, workerID, `
		UPDATE message_queue
		SET status = 'pending', retry_count = retry_count + 1, scheduled_at = $3,
		    error_message = $4, claimed_by = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2 AND retry_count < max_retries
	`, id, workerID, nextAt, errMsg)
}

func (r *PostgresQueueRepo) DeadLetter(ctx context.Context, id, workerID, errMsg string, at time.Time) error {
	return r.terminate(ctx, "dead letter", id, at, errMsg, func(tx *sql.Tx) *sql.Row {
		return tx.QueryRowContext(ctx, `
			UPDATE message_queue
			SET status = 'dead', error_message = $3, processed_at = $4
			WHERE id = $1 AND status = 'processing' AND claimed_by = $2
			RETURNING `+queueColumns,
			id, workerID, errMsg, at)
	}, func() error {
		return &errs.ClaimConflictError{MessageID: id, WorkerID: workerID}
	})
}

func (r *PostgresQueueRepo) Cancel(ctx context.Context, id string, at time.Time) error {
	const reason = "cancelled"
	return r.terminate(ctx, "cancel", id, at, reason, func(tx *sql.Tx) *sql.Row {
		return tx.QueryRowContext(ctx, `
			UPDATE message_queue
			SET status = 'dead', error_message = $2, processed_at = $3
			WHERE id = $1 AND status = 'pending'
			RETURNING `+queueColumns,
			id, reason, at)
	}, func() error {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	})
}

// terminate runs a dead transition and the dead-letter upsert in one
// transaction. missing builds the error returned when the update matched no
// row.
func (r *PostgresQueueRepo) terminate(
	ctx context.Context,
	op, id string,
	at time.Time,
	errMsg string,
	update func(tx *sql.Tx) *sql.Row,
	missing func() error,
) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errs.Store(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanQueueMessage(update(tx))
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return missing()
	}
	if err != nil {
		return errs.Store(op, err)
	}

	md, err := encodeMetadata(m.Metadata)
	if err != nil {
		return errs.Store(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_messages (
			id, original_message_id, correlation_id, message_type, payload,
			error_message, failure_count, first_failed_at, last_failed_at, metadata
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, 1, $7, $7, $8::jsonb)
		ON CONFLICT (original_message_id) DO UPDATE
		SET failure_count = failed_messages.failure_count + 1,
		    last_failed_at = EXCLUDED.last_failed_at,
		    error_message = EXCLUDED.error_message
	`, uuid.NewString(), m.OriginID, m.CorrelationID, string(m.Type), string(m.Payload), errMsg, at, md); err != nil {
		return errs.Store(op, err)
	}

	return errs.Store(op, tx.Commit())
}

func (r *PostgresQueueRepo) ReclaimStale(ctx context.Context, staleBefore time.Time, reaperID string, now time.Time, limit int) ([]model.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE message_queue
		SET claimed_by = $2, claimed_at = $3
		WHERE status = 'processing' AND id IN (
			SELECT id FROM message_queue
			WHERE status = 'processing' AND claimed_at < $1
			ORDER BY claimed_at
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING `+queueColumns,
		staleBefore, reaperID, now, limit)
	if err != nil {
		return nil, errs.Store("reclaim stale", err)
	}
	defer rows.Close()

	return collectQueueRows(rows, "reclaim stale")
}

const failedColumns = `id, original_message_id, correlation_id, message_type, payload,
	error_message, failure_count, first_failed_at, last_failed_at, metadata`

func scanFailed(row rowScanner) (*model.FailedMessage, error) {
	var (
		f        model.FailedMessage
		msgType  string
		payload  []byte
		metadata []byte
	)
	if err := row.Scan(
		&f.ID,
		&f.OriginalMessageID,
		&f.CorrelationID,
		&msgType,
		&payload,
		&f.ErrorMessage,
		&f.FailureCount,
		&f.FirstFailedAt,
		&f.LastFailedAt,
		&metadata,
	); err != nil {
		return nil, err
	}
	f.Type = model.MessageType(msgType)
	f.Payload = json.RawMessage(payload)
	if err := decodeMetadata(metadata, &f.Metadata); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *PostgresQueueRepo) GetFailed(ctx context.Context, id string) (*model.FailedMessage, error) {
	f, err := scanFailed(r.db.QueryRowContext(ctx,
		`SELECT `+failedColumns+` FROM failed_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Store("get failed", err)
	}
	return f, nil
}

func (r *PostgresQueueRepo) ListFailed(ctx context.Context, limit, offset int) ([]model.FailedMessage, error) {
	f := ListFilter{Limit: limit, Offset: offset}.normalized()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+failedColumns+`
		FROM failed_messages
		ORDER BY last_failed_at DESC, id
		LIMIT $1 OFFSET $2
	`, f.Limit, f.Offset)
	if err != nil {
		return nil, errs.Store("list failed", err)
	}
	defer rows.Close()

	var out []model.FailedMessage
	for rows.Next() {
		fm, err := scanFailed(rows)
		if err != nil {
			return nil, errs.Store("list failed", err)
		}
		out = append(out, *fm)
	}
	return out, errs.Store("list failed", rows.Err())
}

func (r *PostgresQueueRepo) Stats(ctx context.Context, now time.Time) ([]model.StatusStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status,
		       COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM ($1::timestamptz - created_at))), 0)::float8,
		       COALESCE(AVG(retry_count), 0)::float8,
		       MIN(created_at),
		       MAX(created_at)
		FROM message_queue
		GROUP BY status
		ORDER BY status
	`, now)
	if err != nil {
		return nil, errs.Store("stats", err)
	}
	defer rows.Close()

	var out []model.StatusStat
	for rows.Next() {
		var (
			s              model.StatusStat
			status         string
			oldest, newest sql.NullTime
		)
		if err := rows.Scan(&status, &s.Count, &s.AvgAgeSeconds, &s.AvgRetries, &oldest, &newest); err != nil {
			return nil, errs.Store("stats", err)
		}
		s.Status = model.Status(status)
		if oldest.Valid {
			t := oldest.Time
			s.OldestMessage = &t
		}
		if newest.Valid {
			t := newest.Time
			s.NewestMessage = &t
		}
		out = append(out, s)
	}
	return out, errs.Store("stats", rows.Err())
}

func (r *PostgresQueueRepo) Summary(ctx context.Context, now time.Time) (model.QueueSummary, error) {
	var s model.QueueSummary
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'done'),
			COUNT(*) FILTER (WHERE status = 'dead'),
			COALESCE(EXTRACT(EPOCH FROM ($1::timestamptz - MIN(created_at) FILTER (WHERE status = 'pending'))), 0)::float8,
			COUNT(*) FILTER (WHERE status = 'pending' AND retry_count > 0),
			(SELECT COUNT(*) FROM failed_messages)
		FROM message_queue
	`, now).Scan(
		&s.TotalPending,
		&s.TotalProcessing,
		&s.TotalDone,
		&s.TotalDead,
		&s.OldestPendingAge,
		&s.PendingWithRetry,
		&s.DeadLetterRecords,
	)
	if err != nil {
		return model.QueueSummary{}, errs.Store("summary", err)
	}
	return s, nil
}

// Purge deletes terminal rows older than before. Dead-letter records stay.
func (r *PostgresQueueRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM message_queue
		WHERE status IN ('done', 'dead') AND COALESCE(processed_at, created_at) < $1
	`, before)
	if err != nil {
		return 0, errs.Store("purge", err)
	}
	n, err := res.RowsAffected()
	return n, errs.Store("purge", err)
}
