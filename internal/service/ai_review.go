package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/logger"
	"github.com/proxylens/proxylens/internal/pkg/metrics"
)

const (
	DefaultAIModel        = "gpt-4o-mini"
	DefaultAIMaxEvents    = 50
	MaxAIMaxEvents        = 200
	DefaultAIChunkSize    = 25
	MaxAIChunkSize        = 50
	DefaultMaxReasonChars = 220
	defaultJudgeTimeout   = 30 * time.Second

	MissingVerdictReason = "No AI decision returned for this event."
)

type ReviewConfig struct {
	Model          string
	MaxEvents      int
	ChunkSize      int
	MaxReasonChars int
	Timeout        time.Duration // per judge call
}

func (c ReviewConfig) normalized() ReviewConfig {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultAIModel
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultAIMaxEvents
	}
	c.MaxEvents = min(c.MaxEvents, MaxAIMaxEvents)
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultAIChunkSize
	}
	c.ChunkSize = min(c.ChunkSize, MaxAIChunkSize)
	if c.MaxReasonChars <= 0 {
		c.MaxReasonChars = DefaultMaxReasonChars
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultJudgeTimeout
	}
	return c
}

// Submitter runs jobs off the caller's goroutine. *worker.Pool satisfies it.
type Submitter interface {
	Submit(job func(ctx context.Context)) error
}

// ReviewResult describes one finished review run.
type ReviewResult struct {
	UploadID  string            `json:"upload_id"`
	Model     string            `json:"model"`
	ChunkSize int               `json:"chunk_size"`
	ElapsedMs int64             `json:"elapsed_ms"`
	Verdicts  []model.AIVerdict `json:"decisions"`
}

// AIReviewer runs the AI second opinion for an upload at most once.
type AIReviewer struct {
	store   Store
	judge   Judge
	pool    Submitter
	limiter *rate.Limiter
	cfg     ReviewConfig
	now     func() time.Time
}

// NewAIReviewer builds the orchestrator. limiter may be nil; it is shared by
// all reviews so concurrent uploads respect one judge request rate.
func NewAIReviewer(store Store, judge Judge, pool Submitter, limiter *rate.Limiter, cfg ReviewConfig) *AIReviewer {
	return &AIReviewer{
		store:   store,
		judge:   judge,
		pool:    pool,
		limiter: limiter,
		cfg:     cfg.normalized(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Trigger claims the upload and schedules its review in the background. It
// returns false without error when the review was already claimed.
func (r *AIReviewer) Trigger(ctx context.Context, uploadID string) (bool, error) {
	claimed, err := r.claim(ctx, uploadID)
	if err != nil || !claimed {
		return false, err
	}

	job := func(jobCtx context.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("AI review panicked", "upload_id", uploadID, "panic", p, "stack", string(debug.Stack()))
				_ = r.fail(jobCtx, uploadID, fmt.Errorf("AI review panicked: %v", p))
			}
		}()
		_, _ = r.Review(jobCtx, uploadID)
	}
	if r.pool == nil {
		go job(context.WithoutCancel(ctx))
		return true, nil
	}
	if err := r.pool.Submit(job); err != nil {
		_ = r.fail(ctx, uploadID, fmt.Errorf("schedule AI review: %w", err))
		return false, err
	}
	logger.Info("AI review scheduled", "upload_id", uploadID)
	return true, nil
}

// ReviewNow claims the upload and reviews it on the calling goroutine.
func (r *AIReviewer) ReviewNow(ctx context.Context, uploadID string) (*ReviewResult, bool, error) {
	claimed, err := r.claim(ctx, uploadID)
	if err != nil || !claimed {
		return nil, false, err
	}
	res, err := r.Review(ctx, uploadID)
	return res, true, err
}

func (r *AIReviewer) claim(ctx context.Context, uploadID string) (bool, error) {
	upload, err := r.store.GetUpload(ctx, uploadID)
	if err != nil {
		return false, err
	}
	if upload.AIReviewStatus != model.AIReviewAbsent {
		return false, nil
	}
	// The read above is only a fast path; the conditional update decides.
	claimed, err := r.store.ClaimAIReview(ctx, uploadID)
	if err != nil {
		return false, fmt.Errorf("claim AI review: %w", err)
	}
	if !claimed {
		logger.Debug("AI review already claimed", "upload_id", uploadID)
	}
	return claimed, nil
}

// Review sends the upload's events to the judge chunk by chunk. Each chunk's
// verdicts are committed before the next call, so a failure part way leaves
// the earlier chunks persisted and the upload's AI status Failed.
func (r *AIReviewer) Review(ctx context.Context, uploadID string) (*ReviewResult, error) {
	cfg := r.cfg
	started := time.Now()
	log := logger.With("upload_id", uploadID, "model", cfg.Model)

	events, err := r.store.GetEventsByUpload(ctx, uploadID, false, cfg.MaxEvents)
	if err != nil {
		return nil, r.fail(ctx, uploadID, fmt.Errorf("load events: %w", err))
	}

	result := &ReviewResult{
		UploadID:  uploadID,
		Model:     cfg.Model,
		ChunkSize: cfg.ChunkSize,
		Verdicts:  make([]model.AIVerdict, 0, len(events)),
	}

	for i, chunkIdx := 0, 0; i < len(events); i, chunkIdx = i+cfg.ChunkSize, chunkIdx+1 {
		chunk := events[i:min(i+cfg.ChunkSize, len(events))]

		verdicts, err := r.judgeChunk(ctx, chunk)
		if err != nil {
			return nil, r.fail(ctx, uploadID, fmt.Errorf("chunk %d: %w", chunkIdx, err))
		}

		reviewedAt := r.now()
		updates := make([]model.AIVerdictUpdate, len(verdicts))
		flagged := 0
		for k, v := range verdicts {
			updates[k] = model.AIVerdictUpdate{AIVerdict: v, Model: cfg.Model, ReviewedAt: reviewedAt}
			if v.IsAnomalous {
				flagged++
			}
		}
		if err := r.store.BulkUpdateEventAI(ctx, updates); err != nil {
			return nil, r.fail(ctx, uploadID, fmt.Errorf("persist chunk %d: %w", chunkIdx, err))
		}
		result.Verdicts = append(result.Verdicts, verdicts...)
		log.Info("AI chunk reviewed", "chunk", chunkIdx, "events", len(chunk), "flagged", flagged)
	}

	if err := r.store.SetUploadAIStatus(ctx, uploadID, model.AIReviewCompleted, cfg.Model, ""); err != nil {
		return nil, r.fail(ctx, uploadID, fmt.Errorf("mark AI review completed: %w", err))
	}
	if err := r.store.MarkUploadAIReviewedNow(ctx, uploadID); err != nil {
		logger.LogError(ctx, err, "Failed to stamp AI review time", "upload_id", uploadID)
	}

	result.ElapsedMs = time.Since(started).Milliseconds()
	metrics.AIReviewsTotal.WithLabelValues(string(model.AIReviewCompleted)).Inc()
	log.Info("AI review completed", "events", len(events), "elapsed_ms", result.ElapsedMs)
	return result, nil
}

func (r *AIReviewer) judgeChunk(ctx context.Context, chunk []*model.LogEvent) ([]model.AIVerdict, error) {
	if r.judge == nil {
		return nil, errors.New("no AI judge configured")
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for judge rate limit: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	raw, err := r.judge.Review(callCtx, JudgeRequest{
		Model:          r.cfg.Model,
		MaxReasonChars: r.cfg.MaxReasonChars,
		Events:         projectEvents(chunk),
	})
	if err != nil {
		return nil, err
	}
	return repairVerdicts(chunk, raw, r.cfg.MaxReasonChars), nil
}

func (r *AIReviewer) fail(ctx context.Context, uploadID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.SetUploadAIStatus(ctx, uploadID, model.AIReviewFailed, r.cfg.Model, cause.Error()); err != nil {
		logger.LogError(ctx, err, "Failed to mark AI review failed", "upload_id", uploadID)
	}
	metrics.AIReviewsTotal.WithLabelValues(string(model.AIReviewFailed)).Inc()
	logger.LogError(ctx, cause, "AI review failed", "upload_id", uploadID)
	return cause
}

func projectEvents(events []*model.LogEvent) []JudgeEvent {
	out := make([]JudgeEvent, len(events))
	for i, e := range events {
		var ts *string
		if !e.Timestamp.IsZero() {
			s := e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999")
			ts = &s
		}
		out[i] = JudgeEvent{
			ID:                  e.ID,
			Timestamp:           ts,
			ClientIP:            e.ClientIP,
			URL:                 e.URL,
			Action:              e.Action,
			BytesSent:           e.BytesSent,
			RiskScore:           e.RiskScore,
			HeuristicIsAnomaly:  e.IsAnomaly,
			HeuristicNote:       e.AnomalyNote,
			HeuristicConfidence: e.Confidence,
		}
	}
	return out
}

// repairVerdicts returns exactly one verdict per chunk event, in chunk order.
// Verdicts for unknown or empty ids are dropped and a repeated id keeps its
// last verdict.
func repairVerdicts(chunk []*model.LogEvent, raw []RawVerdict, maxReasonChars int) []model.AIVerdict {
	inChunk := make(map[string]struct{}, len(chunk))
	for _, e := range chunk {
		inChunk[e.ID] = struct{}{}
	}

	byID := make(map[string]model.AIVerdict, len(raw))
	for _, v := range raw {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			continue
		}
		if _, ok := inChunk[id]; !ok {
			continue
		}
		byID[id] = model.AIVerdict{
			EventID:     id,
			IsAnomalous: v.IsAnomalous,
			Confidence:  clamp(v.Confidence, 0, 1),
			Reason:      truncateReason(strings.TrimSpace(v.Reason), maxReasonChars),
		}
	}

	out := make([]model.AIVerdict, 0, len(chunk))
	for _, e := range chunk {
		v, ok := byID[e.ID]
		if !ok {
			v = model.AIVerdict{EventID: e.ID, Reason: MissingVerdictReason}
		}
		out = append(out, v)
	}
	return out
}

func truncateReason(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars-1]) + "…"
}
