package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

const sampleCSV = `datetime,clientip,url,action,sentbytes,app_risk_score
2024-05-01 10:01:00,10.0.0.1,https://example.com/,allowed,1200,1
2024-05-01 10:02:30.500000,10.0.0.2,https://pastebin.com/raw/x,allowed,900,5
2024-05-01 10:07:00,10.0.0.1,https://www.dropbox.com/upload,allowed,26000000,2
`

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) Trigger(_ context.Context, uploadID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, uploadID)
	return true, nil
}

type recordingArchiver struct {
	uploads []string
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, u *model.Upload, _ []byte) error {
	a.uploads = append(a.uploads, u.ID)
	return a.err
}

// failingCompleteStore behaves like a database whose completing transaction
// is rolled back.
type failingCompleteStore struct {
	*MemoryStore
}

func (failingCompleteStore) CompleteUpload(context.Context, string, []*model.LogEvent) error {
	return errors.New("mark upload completed: connection reset")
}

func TestIngest_Success(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trigger := &recordingTrigger{}
	archiver := &recordingArchiver{}
	svc := NewIngestionService(store, nil, trigger, archiver, 0)

	upload, err := svc.Ingest(ctx, "user-1", "proxy.csv", []byte(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, upload.Status)

	stored, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, stored.Status)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, model.AIReviewAbsent, stored.AIReviewStatus)

	raw, err := store.GetRawText(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, raw)

	events, err := store.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, 2, events[0].LineNumber)
	assert.False(t, events[0].IsAnomaly)
	assert.Empty(t, events[0].AnomalyNote)

	assert.True(t, events[1].IsAnomaly)
	assert.Contains(t, events[1].AnomalyNote, "context paste_site")
	require.NotNil(t, events[1].RiskScore)
	assert.Equal(t, 5, *events[1].RiskScore)

	assert.True(t, events[2].IsAnomaly)
	assert.Contains(t, events[2].AnomalyNote, "Large data outbound")
	assert.Nil(t, events[2].AIIsAnomalous)

	assert.Equal(t, []string{upload.ID}, trigger.ids)
	assert.Equal(t, []string{upload.ID}, archiver.uploads)
}

func TestIngest_MissingHeaderFailsBeforeRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trigger := &recordingTrigger{}
	svc := NewIngestionService(store, nil, trigger, nil, 0)

	data := "datetime,clientip,url,action,sentbytes\n2024-05-01 10:01:00,10.0.0.1,https://example.com/,allowed,1\n"
	upload, err := svc.Ingest(ctx, "user-1", "bad.csv", []byte(data))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "app_risk_score")

	require.NotNil(t, upload)
	stored, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stored.Status)

	events, err := store.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, trigger.ids)
}

func TestIngest_EmptyFileReportsAllHeaders(t *testing.T) {
	svc := NewIngestionService(NewMemoryStore(), nil, nil, nil, 0)

	_, err := svc.Ingest(context.Background(), "user-1", "empty.csv", nil)
	var missing *apperrors.MissingHeadersError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"action", "app_risk_score", "clientip", "datetime", "sentbytes", "url"}, missing.Missing)
}

func TestIngest_BadTimestampIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewIngestionService(store, nil, nil, nil, 0)

	data := sampleCSV + "yesterday,10.0.0.3,https://example.com/,allowed,1,0\n"
	upload, err := svc.Ingest(ctx, "user-1", "partial.csv", []byte(data))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrMalformedRow))
	assert.Contains(t, err.Error(), "line 5")

	stored, err := store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stored.Status)

	events, err := store.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIngest_CompleteFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	trigger := &recordingTrigger{}
	svc := NewIngestionService(failingCompleteStore{mem}, nil, trigger, nil, 0)

	upload, err := svc.Ingest(ctx, "user-1", "proxy.csv", []byte(sampleCSV))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, model.UploadFailed, upload.Status)

	stored, err := mem.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stored.Status)
	assert.Empty(t, trigger.ids)

	events, err := mem.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIngest_SizeLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewIngestionService(store, nil, nil, nil, 16)

	upload, err := svc.Ingest(ctx, "user-1", "big.csv", []byte(sampleCSV))
	require.Error(t, err)
	assert.Nil(t, upload)
	assert.True(t, apperrors.IsType(err, apperrors.ErrValidation))

	uploads, err := store.ListUploadsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, uploads)

	_, err = svc.IngestReader(ctx, "user-1", "big.csv", strings.NewReader(sampleCSV))
	assert.True(t, apperrors.IsType(err, apperrors.ErrValidation))
}

func TestIngest_ReplacesInvalidUTF8AndSkipsBlankRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewIngestionService(store, nil, nil, &recordingArchiver{err: errors.New("s3 down")}, 0)

	data := []byte("datetime,clientip,url,action,sentbytes,app_risk_score\n" +
		"2024-05-01 10:01:00,10.0.0.1,https://example.com/\xff,allowed,1,0\n" +
		",,,,,\n")
	upload, err := svc.Ingest(ctx, "user-1", "latin1.csv", data)
	require.NoError(t, err)

	raw, err := store.GetRawText(ctx, upload.ID)
	require.NoError(t, err)
	assert.Contains(t, raw, "https://example.com/�")

	events, err := store.GetAllEventsByUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"valid", "café \U0001F600", "café \U0001F600"},
		{"one per stray byte", "a\xff\xfeb", "a��b"},
		{"truncated sequence is one", "a\xe2\x82b", "a�b"},
		{"truncated at end", "x\xf0\x9f\x98", "x�"},
		{"surrogate bytes", "\xed\xa0\x80", "���"},
		{"overlong lead", "\xc0\xaf", "��"},
		{"literal replacement char kept", "�", "�"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeText([]byte(tt.in)))
		})
	}
}
