package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxylens_uploads_total",
		Help: "Uploads processed, by final ingestion status",
	}, []string{"status"})

	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxylens_events_ingested_total",
		Help: "Log events persisted by ingestion",
	})

	HeuristicAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxylens_heuristic_anomalies_total",
		Help: "Heuristic trigger hits at ingestion time",
	}, []string{"trigger"})

	AIReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxylens_ai_reviews_total",
		Help: "AI reviews reaching a terminal status",
	}, []string{"status"})

	JudgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxylens_ai_judge_calls_total",
		Help: "Calls to the external AI judge, by outcome",
	}, []string{"outcome"})

	JudgeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxylens_ai_judge_latency_seconds",
		Help:    "AI judge call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	SummaryCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxylens_summary_cache_total",
		Help: "Summary cache lookups, by result",
	}, []string{"result"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxylens_http_latency_seconds",
		Help:    "Ops endpoint latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
