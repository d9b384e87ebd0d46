package model

import "time"

// LogEvent is one parsed log line. Heuristic fields are written once at
// ingestion; AI fields stay nil until the AI review sets them.
type LogEvent struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey" db:"id" json:"id"`
	UploadID   string    `gorm:"column:upload_id;type:uuid;not null;index:idx_log_events_upload_ts,priority:1" db:"upload_id" json:"upload_id"`
	LineNumber int       `gorm:"column:line_number;not null;default:0" db:"line_number" json:"line_number"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_log_events_upload_ts,priority:2" db:"timestamp" json:"timestamp"`
	ClientIP   string    `gorm:"column:client_ip;size:45;not null" db:"client_ip" json:"client_ip"`
	URL        string    `gorm:"column:url;type:text;not null" db:"url" json:"url"`
	Action     string    `gorm:"column:action;size:100;not null" db:"action" json:"action"`
	BytesSent  int64     `gorm:"column:bytes_sent;not null;default:0" db:"bytes_sent" json:"bytes_sent"`
	RiskScore  *int      `gorm:"column:risk_score" db:"risk_score" json:"risk_score"`

	IsAnomaly   bool    `gorm:"column:is_anomaly;not null;default:false" db:"is_anomaly" json:"is_anomaly"`
	AnomalyNote string  `gorm:"column:anomaly_note;type:text" db:"anomaly_note" json:"anomaly_note"`
	Confidence  float64 `gorm:"column:confidence_score;not null;default:0" db:"confidence_score" json:"confidence_score"`

	AIIsAnomalous *bool      `gorm:"column:ai_is_anomalous" db:"ai_is_anomalous" json:"ai_is_anomalous"`
	AIConfidence  *float64   `gorm:"column:ai_confidence" db:"ai_confidence" json:"ai_confidence"`
	AIReason      *string    `gorm:"column:ai_reason;type:text" db:"ai_reason" json:"ai_reason"`
	AIModel       *string    `gorm:"column:ai_model;size:128" db:"ai_model" json:"ai_model"`
	AIReviewedAt  *time.Time `gorm:"column:ai_reviewed_at" db:"ai_reviewed_at" json:"ai_reviewed_at"`
}

func (LogEvent) TableName() string {
	return "log_events"
}

// AIVerdict is the repaired per-event decision returned by the AI judge.
type AIVerdict struct {
	EventID     string  `json:"id"`
	IsAnomalous bool    `json:"is_anomalous"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// AIVerdictUpdate is one row of a bulk AI field update.
type AIVerdictUpdate struct {
	AIVerdict
	Model      string
	ReviewedAt time.Time
}

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// NormalizeEventLimit maps non-positive limits to the default and caps the rest.
func NormalizeEventLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	if limit > MaxEventLimit {
		return MaxEventLimit
	}
	return limit
}
