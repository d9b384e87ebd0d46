package model

import "time"

type UploadStatus string

const (
	UploadProcessing UploadStatus = "Processing"
	UploadCompleted  UploadStatus = "Completed"
	UploadFailed     UploadStatus = "Failed"
)

// AIReviewStatus is empty until the first review trigger claims the upload.
type AIReviewStatus string

const (
	AIReviewAbsent    AIReviewStatus = ""
	AIReviewPending   AIReviewStatus = "Pending"
	AIReviewCompleted AIReviewStatus = "Completed"
	AIReviewFailed    AIReviewStatus = "Failed"
)

// Upload is one ingested proxy/firewall export.
type Upload struct {
	ID        string       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID    string       `gorm:"column:user_id;type:text;not null;index" json:"user_id"`
	Filename  string       `gorm:"column:filename;size:255;not null" json:"filename"`
	Status    UploadStatus `gorm:"column:status;size:50;not null;default:Processing" json:"status"`
	CreatedAt time.Time    `gorm:"column:created_at;not null" json:"created_at"`

	// Raw CSV text is retained gzip-compressed for audit and replay.
	RawTextGz []byte `gorm:"column:raw_text_gz" json:"-"`

	AIReviewStatus AIReviewStatus `gorm:"column:ai_review_status;size:32" json:"ai_review_status,omitempty"`
	AIReviewModel  string         `gorm:"column:ai_review_model;size:128" json:"ai_review_model,omitempty"`
	AIReviewedAt   *time.Time     `gorm:"column:ai_reviewed_at" json:"ai_reviewed_at,omitempty"`
	AIReviewError  string         `gorm:"column:ai_review_error;type:text" json:"ai_review_error,omitempty"`
}

func (Upload) TableName() string {
	return "uploads"
}
