package model

import "fmt"

// Summary is the time-bucketed analyst view of one upload.
type Summary struct {
	UploadID      string           `json:"upload_id"`
	BucketMinutes int              `json:"bucket_minutes"`
	TotalEvents   int              `json:"total_events"`
	TotalBytesOut int64            `json:"total_bytes_out"`
	AnomalyCount  int              `json:"anomaly_count"`
	Timeline      []TimelineBucket `json:"timeline"`
	TopTalkers    []TalkerStat     `json:"top_talkers"`
	TopDomains    []DomainStat     `json:"top_domains"`
	Highlights    []string         `json:"highlights"`
}

type TimelineBucket struct {
	BucketStart  string        `json:"bucket_start"`
	EventCount   int           `json:"event_count"`
	BytesOut     int64         `json:"bytes_out"`
	AnomalyCount int           `json:"anomaly_count"`
	TopDomains   []DomainCount `json:"top_domains"`
}

type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Activity is the shared accumulator for leaderboard rows.
type Activity struct {
	EventCount   int   `json:"event_count"`
	BytesOut     int64 `json:"bytes_out"`
	MaxRiskScore int   `json:"max_risk_score"`
	AnomalyCount int   `json:"anomaly_count"`
}

type TalkerStat struct {
	ClientIP string `json:"client_ip"`
	Activity
}

type DomainStat struct {
	Domain string `json:"domain"`
	Activity
}

// SummaryCacheKey identifies a cached summary of one upload at one bucket width.
func SummaryCacheKey(uploadID string, bucketMinutes int) string {
	return fmt.Sprintf("summary:%s:%d", uploadID, bucketMinutes)
}
