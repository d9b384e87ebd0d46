package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/apperrors"
	"github.com/proxylens/proxylens/internal/pkg/logger"
	"github.com/proxylens/proxylens/internal/pkg/metrics"
)

type IngestionService struct {
	store        Store
	scorer       *Scorer
	reviewer     ReviewTrigger
	archiver     RawArchiver
	maxFileBytes int64
}

// NewIngestionService wires the pipeline. reviewer and archiver may be nil.
func NewIngestionService(store Store, scorer *Scorer, reviewer ReviewTrigger, archiver RawArchiver, maxFileBytes int64) *IngestionService {
	if scorer == nil {
		scorer = NewScorer(nil)
	}
	return &IngestionService{
		store:        store,
		scorer:       scorer,
		reviewer:     reviewer,
		archiver:     archiver,
		maxFileBytes: maxFileBytes,
	}
}

// Ingest stores one CSV export. Either every row is persisted and the upload
// is Completed, or no row is persisted and the upload is Failed.
func (s *IngestionService) Ingest(ctx context.Context, userID, filename string, data []byte) (*model.Upload, error) {
	if s.maxFileBytes > 0 && int64(len(data)) > s.maxFileBytes {
		return nil, apperrors.NewValidation(fmt.Sprintf("file is %d bytes, limit is %d", len(data), s.maxFileBytes))
	}

	upload, err := s.store.CreateUpload(ctx, userID, filename)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	log := logger.With("upload_id", upload.ID, "filename", filename)

	text := decodeText(data)
	if err := s.store.SetRawText(ctx, upload.ID, text); err != nil {
		return upload, s.fail(ctx, upload, fmt.Errorf("store raw text: %w", err))
	}

	events, err := s.parseEvents(upload.ID, text)
	if err != nil {
		return upload, s.fail(ctx, upload, err)
	}

	if err := s.store.CompleteUpload(ctx, upload.ID, events); err != nil {
		return upload, s.fail(ctx, upload, fmt.Errorf("complete upload: %w", err))
	}
	upload.Status = model.UploadCompleted

	metrics.UploadsTotal.WithLabelValues(string(model.UploadCompleted)).Inc()
	metrics.EventsIngested.Add(float64(len(events)))
	log.Info("Upload ingested", "rows", len(events))

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, upload, data); err != nil {
			logger.LogError(ctx, err, "Raw archive failed", "upload_id", upload.ID)
		}
	}
	if s.reviewer != nil {
		if _, err := s.reviewer.Trigger(ctx, upload.ID); err != nil {
			logger.LogError(ctx, err, "AI review trigger failed", "upload_id", upload.ID)
		}
	}
	return upload, nil
}

func (s *IngestionService) fail(ctx context.Context, upload *model.Upload, cause error) error {
	// The request may already be cancelled; the status write must still land.
	if err := s.store.UpdateUploadStatus(context.WithoutCancel(ctx), upload.ID, model.UploadFailed); err != nil {
		logger.LogError(ctx, err, "Failed to mark upload failed", "upload_id", upload.ID)
	} else {
		upload.Status = model.UploadFailed
	}
	metrics.UploadsTotal.WithLabelValues(string(model.UploadFailed)).Inc()
	logger.Warn("Upload ingestion failed", "upload_id", upload.ID, "filename", upload.Filename, "error", cause.Error())
	return cause
}

func (s *IngestionService) parseEvents(uploadID, text string) ([]*model.LogEvent, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		missing := append([]string(nil), requiredHeaders...)
		sort.Strings(missing)
		return nil, apperrors.NewMissingHeaders(missing)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrValidation, "invalid CSV header", err)
	}
	parser, err := NewRowParser(header)
	if err != nil {
		return nil, err
	}

	var events []*model.LogEvent
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.New(apperrors.ErrValidation, "invalid CSV", err)
		}
		if isBlankRecord(record) {
			continue
		}
		line, _ := r.FieldPos(0)
		row, err := parser.Parse(line, record)
		if err != nil {
			return nil, err
		}
		events = append(events, s.toEvent(uploadID, row))
	}
	return events, nil
}

func (s *IngestionService) toEvent(uploadID string, row *ParsedRow) *model.LogEvent {
	v := s.scorer.Score(row.RiskScore, row.BytesSent, row.URL)
	for _, t := range v.Triggers {
		metrics.HeuristicAnomalies.WithLabelValues(string(t)).Inc()
	}
	risk := row.RiskScore
	return &model.LogEvent{
		ID:          uuid.NewString(),
		UploadID:    uploadID,
		LineNumber:  row.Line,
		Timestamp:   row.Timestamp,
		ClientIP:    row.ClientIP,
		URL:         row.URL,
		Action:      row.Action,
		BytesSent:   row.BytesSent,
		RiskScore:   &risk,
		IsAnomaly:   v.IsAnomaly,
		AnomalyNote: v.Reason,
		Confidence:  v.Confidence,
	}
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// IngestReader is Ingest for callers holding a stream, such as the inbox
// watcher. It reads at most one byte past the size limit.
func (s *IngestionService) IngestReader(ctx context.Context, userID, filename string, r io.Reader) (*model.Upload, error) {
	var buf bytes.Buffer
	src := r
	if s.maxFileBytes > 0 {
		src = io.LimitReader(r, s.maxFileBytes+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return s.Ingest(ctx, userID, filename, buf.Bytes())
}

// decodeText turns data into UTF-8 text, substituting one U+FFFD for each
// maximal ill-formed subsequence.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data) + 8)
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r != utf8.RuneError || size > 1 {
			b.Write(data[:size])
			data = data[size:]
			continue
		}
		b.WriteRune(utf8.RuneError)
		data = data[illFormedPrefix(data):]
	}
	return b.String()
}

// illFormedPrefix is the length of the maximal subpart at the head of p: the
// lead byte plus the continuation bytes that could still start a valid
// sequence.
func illFormedPrefix(p []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch c := p[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		need, lo = 2, 0xA0
	case c >= 0xE1 && c <= 0xEC, c == 0xEE, c == 0xEF:
		need = 2
	case c == 0xED:
		need, hi = 2, 0x9F
	case c == 0xF0:
		need, lo = 3, 0x90
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	case c == 0xF4:
		need, hi = 3, 0x8F
	default:
		return 1
	}
	n := 1
	for ; n <= need && n < len(p); n++ {
		if p[n] < lo || p[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}
