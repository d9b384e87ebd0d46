package service

import (
	"context"

	"github.com/proxylens/proxylens/internal/model"
)

// Store is the persistence contract the pipeline consumes. Implementations
// return apperrors NOT_FOUND for unknown upload ids.
type Store interface {
	CreateUpload(ctx context.Context, userID, filename string) (*model.Upload, error)
	UpdateUploadStatus(ctx context.Context, uploadID string, status model.UploadStatus) error
	SetRawText(ctx context.Context, uploadID, text string) error
	GetRawText(ctx context.Context, uploadID string) (string, error)

	// BulkInsertEvents persists every event or none of them.
	BulkInsertEvents(ctx context.Context, events []*model.LogEvent) error
	// CompleteUpload inserts events and marks the upload Completed in one
	// atomic step. On error neither change is visible.
	CompleteUpload(ctx context.Context, uploadID string, events []*model.LogEvent) error
	// BulkUpdateEventAI writes AI fields on events that have none yet.
	BulkUpdateEventAI(ctx context.Context, updates []model.AIVerdictUpdate) error

	// ClaimAIReview moves the AI review status from absent to Pending and
	// reports whether this caller won the transition.
	ClaimAIReview(ctx context.Context, uploadID string) (bool, error)
	SetUploadAIStatus(ctx context.Context, uploadID string, status model.AIReviewStatus, modelName, errText string) error
	MarkUploadAIReviewedNow(ctx context.Context, uploadID string) error

	GetUpload(ctx context.Context, uploadID string) (*model.Upload, error)
	ListUploadsByUser(ctx context.Context, userID string) ([]*model.Upload, error)
	// GetEventsByUpload returns events ordered by timestamp, at most limit of them.
	GetEventsByUpload(ctx context.Context, uploadID string, onlyAnomalies bool, limit int) ([]*model.LogEvent, error)
	// GetAllEventsByUpload returns every event in file order.
	GetAllEventsByUpload(ctx context.Context, uploadID string) ([]*model.LogEvent, error)

	Ping(ctx context.Context) error
}

// SummaryCache stores computed summaries of completed uploads.
type SummaryCache interface {
	Get(ctx context.Context, uploadID string, bucketMinutes int) (*model.Summary, bool, error)
	Set(ctx context.Context, summary *model.Summary) error
}

// RawArchiver copies the original upload bytes somewhere durable.
type RawArchiver interface {
	Archive(ctx context.Context, upload *model.Upload, data []byte) error
}

// ReviewTrigger starts the AI review of a freshly ingested upload.
type ReviewTrigger interface {
	Trigger(ctx context.Context, uploadID string) (bool, error)
}
