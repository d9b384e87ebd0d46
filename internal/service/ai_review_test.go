package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxylens/proxylens/internal/model"
)

type fakeJudge struct {
	mu     sync.Mutex
	calls  int
	chunks [][]string
	fn     func(call int, req JudgeRequest) ([]RawVerdict, error)
}

func (j *fakeJudge) Review(_ context.Context, req JudgeRequest) ([]RawVerdict, error) {
	j.mu.Lock()
	j.calls++
	call := j.calls
	ids := make([]string, len(req.Events))
	for i, e := range req.Events {
		ids[i] = e.ID
	}
	j.chunks = append(j.chunks, ids)
	j.mu.Unlock()
	if j.fn == nil {
		return echoVerdicts(req), nil
	}
	return j.fn(call, req)
}

func echoVerdicts(req JudgeRequest) []RawVerdict {
	out := make([]RawVerdict, len(req.Events))
	for i, e := range req.Events {
		out[i] = RawVerdict{ID: e.ID, IsAnomalous: e.HeuristicIsAnomaly, Confidence: 0.9, Reason: "looks " + e.Action}
	}
	return out
}

// inlineSubmitter runs jobs on the caller's goroutine so tests are deterministic.
type inlineSubmitter struct{ err error }

func (s inlineSubmitter) Submit(job func(ctx context.Context)) error {
	if s.err != nil {
		return s.err
	}
	job(context.Background())
	return nil
}

func seedUpload(t *testing.T, store *MemoryStore, n int) *model.Upload {
	t.Helper()
	ctx := context.Background()
	upload, err := store.CreateUpload(ctx, "user-1", "proxy.csv")
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	events := make([]*model.LogEvent, n)
	for i := range events {
		risk := i % 6
		events[i] = &model.LogEvent{
			ID:         fmt.Sprintf("ev-%03d", i),
			UploadID:   upload.ID,
			LineNumber: i + 2,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			ClientIP:   "10.0.0.1",
			URL:        "https://example.com/",
			Action:     "allowed",
			BytesSent:  int64(i),
			RiskScore:  &risk,
			IsAnomaly:  risk >= 4,
		}
	}
	require.NoError(t, store.BulkInsertEvents(ctx, events))
	require.NoError(t, store.UpdateUploadStatus(ctx, upload.ID, model.UploadCompleted))
	return upload
}

func reviewedEvents(t *testing.T, store *MemoryStore, uploadID string) (reviewed, pending int) {
	t.Helper()
	events, err := store.GetAllEventsByUpload(context.Background(), uploadID)
	require.NoError(t, err)
	for _, e := range events {
		if e.AIReviewedAt != nil {
			reviewed++
		} else {
			pending++
		}
	}
	return reviewed, pending
}

func TestAIReviewer_CompletesAndRecordsModel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 30)
	judge := &fakeJudge{}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{Model: "judge-1"})

	started, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)
	assert.True(t, started)

	assert.Equal(t, 2, judge.calls)
	assert.Len(t, judge.chunks[0], 25)
	assert.Len(t, judge.chunks[1], 5)

	u, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AIReviewCompleted, u.AIReviewStatus)
	assert.Equal(t, "judge-1", u.AIReviewModel)
	assert.NotNil(t, u.AIReviewedAt)
	assert.Empty(t, u.AIReviewError)

	events, err := store.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	for _, e := range events {
		require.NotNil(t, e.AIModel)
		assert.Equal(t, "judge-1", *e.AIModel)
		assert.Equal(t, e.IsAnomaly, *e.AIIsAnomalous)
		assert.Equal(t, "looks allowed", *e.AIReason)
	}
}

func TestAIReviewer_BackfillsAndRepairsVerdicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 4)
	long := strings.Repeat("é", 300)
	judge := &fakeJudge{fn: func(_ int, req JudgeRequest) ([]RawVerdict, error) {
		return []RawVerdict{
			{ID: "ev-000", IsAnomalous: true, Confidence: 1.7, Reason: long},
			{ID: "ev-001", Confidence: -0.3, Reason: "  first  "},
			{ID: "ev-001", IsAnomalous: true, Confidence: 0.4, Reason: "second"},
			{ID: "", IsAnomalous: true, Confidence: 1},
			{ID: "not-in-chunk", IsAnomalous: true, Confidence: 1},
		}, nil
	}}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{})

	res, _, err := r.ReviewNow(ctx, upload.ID)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 4)
	assert.Equal(t, DefaultAIModel, res.Model)
	assert.Equal(t, DefaultAIChunkSize, res.ChunkSize)

	byID := map[string]model.AIVerdict{}
	for _, v := range res.Verdicts {
		_, dup := byID[v.EventID]
		assert.False(t, dup, "duplicate verdict for %s", v.EventID)
		byID[v.EventID] = v
	}

	v0 := byID["ev-000"]
	assert.Equal(t, 1.0, v0.Confidence)
	assert.Equal(t, DefaultMaxReasonChars, utf8.RuneCountInString(v0.Reason))
	assert.True(t, strings.HasSuffix(v0.Reason, "…"))

	v1 := byID["ev-001"]
	assert.True(t, v1.IsAnomalous)
	assert.Equal(t, "second", v1.Reason)

	for _, id := range []string{"ev-002", "ev-003"} {
		assert.Equal(t, model.AIVerdict{EventID: id, Reason: MissingVerdictReason}, byID[id])
	}
	_, ok := byID["not-in-chunk"]
	assert.False(t, ok)

	reviewed, pending := reviewedEvents(t, store, upload.ID)
	assert.Equal(t, 4, reviewed)
	assert.Zero(t, pending)
}

func TestAIReviewer_TriggerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 3)
	judge := &fakeJudge{}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{})

	first, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)
	second, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, judge.calls)
}

func TestAIReviewer_ConcurrentTriggersClaimOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 3)
	judge := &fakeJudge{}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := r.Trigger(ctx, upload.ID); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, judge.calls)
}

func TestAIReviewer_PartialFailureKeepsEarlierChunks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 5)
	judge := &fakeJudge{fn: func(call int, req JudgeRequest) ([]RawVerdict, error) {
		if call == 2 {
			return nil, errors.New("judge unreachable")
		}
		return echoVerdicts(req), nil
	}}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{ChunkSize: 2})

	started, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 2, judge.calls, "no further chunks after a failure")

	u, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AIReviewFailed, u.AIReviewStatus)
	assert.Contains(t, u.AIReviewError, "judge unreachable")
	assert.Nil(t, u.AIReviewedAt)
	assert.Equal(t, model.UploadCompleted, u.Status)

	reviewed, pending := reviewedEvents(t, store, upload.ID)
	assert.Equal(t, 2, reviewed)
	assert.Equal(t, 3, pending)
}

func TestAIReviewer_CapsEventsAndChunks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 260)
	judge := &fakeJudge{}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{MaxEvents: 500, ChunkSize: 80})

	res, claimed, err := r.ReviewNow(ctx, upload.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Len(t, res.Verdicts, MaxAIMaxEvents)
	assert.Equal(t, MaxAIChunkSize, res.ChunkSize)
	assert.Equal(t, 4, judge.calls)

	reviewed, pending := reviewedEvents(t, store, upload.ID)
	assert.Equal(t, 200, reviewed)
	assert.Equal(t, 60, pending)
}

func TestAIReviewer_SubmitFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 1)
	r := NewAIReviewer(store, &fakeJudge{}, inlineSubmitter{err: errors.New("queue full")}, nil, ReviewConfig{})

	started, err := r.Trigger(ctx, upload.ID)
	assert.Error(t, err)
	assert.False(t, started)

	u, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AIReviewFailed, u.AIReviewStatus)
	assert.Contains(t, u.AIReviewError, "queue full")
}

func TestAIReviewer_MissingAPIKeyFailsReview(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 2)
	r := NewAIReviewer(store, NewOpenAIJudge(OpenAIJudgeConfig{}), inlineSubmitter{}, nil, ReviewConfig{})

	_, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)

	u, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AIReviewFailed, u.AIReviewStatus)
	assert.Contains(t, u.AIReviewError, "API key is not configured")
	assert.Equal(t, model.UploadCompleted, u.Status)
}

func TestAIReviewer_UnknownUpload(t *testing.T) {
	r := NewAIReviewer(NewMemoryStore(), &fakeJudge{}, inlineSubmitter{}, nil, ReviewConfig{})
	started, err := r.Trigger(context.Background(), "nope")
	assert.Error(t, err)
	assert.False(t, started)
}

func TestAIReviewer_PanickingJudgeMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	upload := seedUpload(t, store, 3)
	judge := &fakeJudge{fn: func(int, JudgeRequest) ([]RawVerdict, error) {
		panic("nil map in judge")
	}}
	r := NewAIReviewer(store, judge, inlineSubmitter{}, nil, ReviewConfig{})

	started, err := r.Trigger(ctx, upload.ID)
	require.NoError(t, err)
	assert.True(t, started)

	u, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AIReviewFailed, u.AIReviewStatus)
	assert.Contains(t, u.AIReviewError, "nil map in judge")
}

func TestProjectEvents_TimestampsInUTC(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 7, 0, 500000000, time.UTC).In(time.FixedZone("IST", 5*3600+30*60))
	risk := 2
	out := projectEvents([]*model.LogEvent{
		{ID: "e1", Timestamp: ts, RiskScore: &risk},
		{ID: "e2"},
	})
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Timestamp)
	assert.Equal(t, "2024-05-01T10:07:00.5", *out[0].Timestamp)
	assert.Nil(t, out[1].Timestamp)
}
