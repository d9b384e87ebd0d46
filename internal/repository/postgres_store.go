package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

const eventInsertBatch = 1000

const eventColumns = `id, upload_id, line_number, "timestamp", client_ip, url, action, bytes_sent, risk_score,
	is_anomaly, anomaly_note, confidence_score,
	ai_is_anomalous, ai_confidence, ai_reason, ai_model, ai_reviewed_at`

const insertEventSQL = `INSERT INTO log_events (
		id, upload_id, line_number, "timestamp", client_ip, url, action, bytes_sent, risk_score,
		is_anomaly, anomaly_note, confidence_score
	) VALUES (
		:id, :upload_id, :line_number, :timestamp, :client_ip, :url, :action, :bytes_sent, :risk_score,
		:is_anomaly, :anomaly_note, :confidence_score
	)`

const uploadColumns = `id, user_id, filename, status, created_at,
	ai_review_status, ai_review_model, ai_reviewed_at, ai_review_error`

// PostgresStore persists uploads and events through sqlx on the pgx driver.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type uploadRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	Filename       string         `db:"filename"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	AIReviewStatus sql.NullString `db:"ai_review_status"`
	AIReviewModel  sql.NullString `db:"ai_review_model"`
	AIReviewedAt   sql.NullTime   `db:"ai_reviewed_at"`
	AIReviewError  sql.NullString `db:"ai_review_error"`
}

func (r *uploadRow) toDomain() *model.Upload {
	u := &model.Upload{
		ID:             r.ID,
		UserID:         r.UserID,
		Filename:       r.Filename,
		Status:         model.UploadStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		AIReviewStatus: model.AIReviewStatus(r.AIReviewStatus.String),
		AIReviewModel:  r.AIReviewModel.String,
		AIReviewError:  r.AIReviewError.String,
	}
	if r.AIReviewedAt.Valid {
		t := r.AIReviewedAt.Time
		u.AIReviewedAt = &t
	}
	return u
}

func (s *PostgresStore) CreateUpload(ctx context.Context, userID, filename string) (*model.Upload, error) {
	u := &model.Upload{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  filename,
		Status:    model.UploadProcessing,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, filename, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.UserID, u.Filename, string(u.Status), u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert upload: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, uploadID string, status model.UploadStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET status = $1 WHERE id = $2`, string(status), uploadID)
	if err != nil {
		return fmt.Errorf("update upload status: %w", err)
	}
	return requireRow(res, uploadID)
}

func (s *PostgresStore) SetRawText(ctx context.Context, uploadID, text string) error {
	gz, err := compressText(text)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET raw_text_gz = $1 WHERE id = $2`, gz, uploadID)
	if err != nil {
		return fmt.Errorf("store raw text: %w", err)
	}
	return requireRow(res, uploadID)
}

func (s *PostgresStore) GetRawText(ctx context.Context, uploadID string) (string, error) {
	if !validID(uploadID) {
		return "", notFound(uploadID)
	}
	var gz []byte
	err := s.db.GetContext(ctx, &gz, `SELECT raw_text_gz FROM uploads WHERE id = $1`, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(uploadID)
	}
	if err != nil {
		return "", fmt.Errorf("load raw text: %w", err)
	}
	return decompressText(gz)
}

// BulkInsertEvents writes all events in one transaction.
func (s *PostgresStore) BulkInsertEvents(ctx context.Context, events []*model.LogEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertEvents(ctx, tx, events)
	})
}

// CompleteUpload inserts the events and flips the upload to Completed in the
// same transaction.
func (s *PostgresStore) CompleteUpload(ctx context.Context, uploadID string, events []*model.LogEvent) error {
	if !validID(uploadID) {
		return notFound(uploadID)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE uploads SET status = $1 WHERE id = $2`,
			string(model.UploadCompleted), uploadID)
		if err != nil {
			return fmt.Errorf("mark upload completed: %w", err)
		}
		return requireRow(res, uploadID)
	})
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []*model.LogEvent) error {
	for start := 0; start < len(events); start += eventInsertBatch {
		batch := events[start:min(start+eventInsertBatch, len(events))]
		if _, err := tx.NamedExecContext(ctx, insertEventSQL, batch); err != nil {
			return fmt.Errorf("insert events %d-%d: %w", start, start+len(batch)-1, err)
		}
	}
	return nil
}

// inTx commits when fn succeeds and rolls back otherwise.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// BulkUpdateEventAI sets AI fields in one transaction. Events already
// carrying a review are left untouched.
func (s *PostgresStore) BulkUpdateEventAI(ctx context.Context, updates []model.AIVerdictUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `UPDATE log_events
		SET ai_is_anomalous = $1, ai_confidence = $2, ai_reason = $3, ai_model = $4, ai_reviewed_at = $5
		WHERE id = $6 AND ai_reviewed_at IS NULL`)
	if err != nil {
		return fmt.Errorf("prepare ai update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.IsAnomalous, u.Confidence, u.Reason, u.Model, u.ReviewedAt, u.EventID); err != nil {
			return fmt.Errorf("update ai fields of %s: %w", u.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ai fields: %w", err)
	}
	return nil
}

// ClaimAIReview is a conditional update; only the caller that flips the
// status from absent to Pending sees true.
func (s *PostgresStore) ClaimAIReview(ctx context.Context, uploadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET ai_review_status = $1
		WHERE id = $2 AND (ai_review_status IS NULL OR ai_review_status = '')`,
		string(model.AIReviewPending), uploadID)
	if err != nil {
		return false, fmt.Errorf("claim ai review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) SetUploadAIStatus(ctx context.Context, uploadID string, status model.AIReviewStatus, modelName, errText string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads
		SET ai_review_status = $1,
			ai_review_model = COALESCE(NULLIF($2, ''), ai_review_model),
			ai_review_error = NULLIF($3, '')
		WHERE id = $4`, string(status), modelName, errText, uploadID)
	if err != nil {
		return fmt.Errorf("set ai review status: %w", err)
	}
	return requireRow(res, uploadID)
}

func (s *PostgresStore) MarkUploadAIReviewedNow(ctx context.Context, uploadID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET ai_reviewed_at = $1 WHERE id = $2`, s.now(), uploadID)
	if err != nil {
		return fmt.Errorf("stamp ai review: %w", err)
	}
	return requireRow(res, uploadID)
}

func (s *PostgresStore) GetUpload(ctx context.Context, uploadID string) (*model.Upload, error) {
	if !validID(uploadID) {
		return nil, notFound(uploadID)
	}
	var row uploadRow
	err := s.db.GetContext(ctx, &row, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) ListUploadsByUser(ctx context.Context, userID string) ([]*model.Upload, error) {
	var rows []uploadRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+uploadColumns+` FROM uploads WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	out := make([]*model.Upload, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (s *PostgresStore) GetEventsByUpload(ctx context.Context, uploadID string, onlyAnomalies bool, limit int) ([]*model.LogEvent, error) {
	if !validID(uploadID) {
		return []*model.LogEvent{}, nil
	}
	query := `SELECT ` + eventColumns + ` FROM log_events WHERE upload_id = $1`
	if onlyAnomalies {
		query += ` AND is_anomaly = TRUE`
	}
	query += ` ORDER BY "timestamp" ASC, line_number ASC LIMIT $2`

	events := []*model.LogEvent{}
	if err := s.db.SelectContext(ctx, &events, query, uploadID, model.NormalizeEventLimit(limit)); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) GetAllEventsByUpload(ctx context.Context, uploadID string) ([]*model.LogEvent, error) {
	if !validID(uploadID) {
		return []*model.LogEvent{}, nil
	}
	events := []*model.LogEvent{}
	err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM log_events WHERE upload_id = $1 ORDER BY line_number ASC`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, uploadID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(uploadID)
	}
	return nil
}

// validID guards uuid columns; Postgres rejects malformed uuids with an error
// rather than an empty result.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(uploadID string) error {
	return apperrors.NewNotFound("upload " + uploadID + " not found")
}
