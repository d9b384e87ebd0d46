package service

import (
	"context"
)

// JudgeEvent is the compact projection of an event sent to the AI judge.
type JudgeEvent struct {
	ID                  string  `json:"id"`
	Timestamp           *string `json:"timestamp"`
	ClientIP            string  `json:"client_ip"`
	URL                 string  `json:"url"`
	Action              string  `json:"action"`
	BytesSent           int64   `json:"bytes_sent"`
	RiskScore           *int    `json:"risk_score"`
	HeuristicIsAnomaly  bool    `json:"heuristic_is_anomaly"`
	HeuristicNote       string  `json:"heuristic_note"`
	HeuristicConfidence float64 `json:"heuristic_confidence"`
}

type JudgeRequest struct {
	Model          string
	MaxReasonChars int
	Events         []JudgeEvent
}

// RawVerdict is one unrepaired item of the judge's results list.
type RawVerdict struct {
	ID          string
	IsAnomalous bool
	Confidence  float64
	Reason      string
}

// Judge gives a second opinion on a chunk of events. Transport failures and
// any response not shaped like {"results": [...]} are errors.
type Judge interface {
	Review(ctx context.Context, req JudgeRequest) ([]RawVerdict, error)
}
