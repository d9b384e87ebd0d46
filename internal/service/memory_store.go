package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

// MemoryStore is the in-process Store used when no database is configured
// and by tests. Returned records are copies.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]*model.Upload
	rawText map[string]string
	events  map[string][]*model.LogEvent // by upload id, insertion order
	byID    map[string]*model.LogEvent
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]*model.Upload),
		rawText: make(map[string]string),
		events:  make(map[string][]*model.LogEvent),
		byID:    make(map[string]*model.LogEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateUpload(_ context.Context, userID, filename string) (*model.Upload, error) {
	u := &model.Upload{
		ID:        uuid.NewString(),
		UserID:    userID,
		Filename:  filename,
		Status:    model.UploadProcessing,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.uploads[u.ID] = u
	s.mu.Unlock()
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUploadStatus(_ context.Context, uploadID string, status model.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return uploadNotFound(uploadID)
	}
	u.Status = status
	return nil
}

func (s *MemoryStore) SetRawText(_ context.Context, uploadID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return uploadNotFound(uploadID)
	}
	s.rawText[uploadID] = text
	return nil
}

func (s *MemoryStore) GetRawText(_ context.Context, uploadID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return "", uploadNotFound(uploadID)
	}
	return s.rawText[uploadID], nil
}

func (s *MemoryStore) BulkInsertEvents(_ context.Context, events []*model.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(events)
}

func (s *MemoryStore) CompleteUpload(_ context.Context, uploadID string, events []*model.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return uploadNotFound(uploadID)
	}
	for _, e := range events {
		if e.UploadID != uploadID {
			return apperrors.NewValidation("event " + e.ID + " belongs to upload " + e.UploadID)
		}
	}
	if err := s.insertLocked(events); err != nil {
		return err
	}
	u.Status = model.UploadCompleted
	return nil
}

// insertLocked validates every row first so a bad row leaves nothing behind.
func (s *MemoryStore) insertLocked(events []*model.LogEvent) error {
	for _, e := range events {
		if _, ok := s.uploads[e.UploadID]; !ok {
			return uploadNotFound(e.UploadID)
		}
	}
	for _, e := range events {
		cp := *e
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		s.events[cp.UploadID] = append(s.events[cp.UploadID], &cp)
		s.byID[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) BulkUpdateEventAI(_ context.Context, updates []model.AIVerdictUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		e, ok := s.byID[u.EventID]
		if !ok || e.AIReviewedAt != nil {
			continue
		}
		isAnomalous := u.IsAnomalous
		confidence := u.Confidence
		reason := u.Reason
		modelName := u.Model
		reviewedAt := u.ReviewedAt
		e.AIIsAnomalous = &isAnomalous
		e.AIConfidence = &confidence
		e.AIReason = &reason
		e.AIModel = &modelName
		e.AIReviewedAt = &reviewedAt
	}
	return nil
}

func (s *MemoryStore) ClaimAIReview(_ context.Context, uploadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return false, uploadNotFound(uploadID)
	}
	if u.AIReviewStatus != model.AIReviewAbsent {
		return false, nil
	}
	u.AIReviewStatus = model.AIReviewPending
	return true, nil
}

func (s *MemoryStore) SetUploadAIStatus(_ context.Context, uploadID string, status model.AIReviewStatus, modelName, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return uploadNotFound(uploadID)
	}
	u.AIReviewStatus = status
	if modelName != "" {
		u.AIReviewModel = modelName
	}
	u.AIReviewError = errText
	return nil
}

func (s *MemoryStore) MarkUploadAIReviewedNow(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return uploadNotFound(uploadID)
	}
	now := s.now()
	u.AIReviewedAt = &now
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, uploadID string) (*model.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, uploadNotFound(uploadID)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUploadsByUser(_ context.Context, userID string) ([]*model.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Upload
	for _, u := range s.uploads {
		if u.UserID == userID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetEventsByUpload(_ context.Context, uploadID string, onlyAnomalies bool, limit int) ([]*model.LogEvent, error) {
	limit = model.NormalizeEventLimit(limit)

	s.mu.RLock()
	all := s.copyEvents(uploadID)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].LineNumber < all[j].LineNumber
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	out := make([]*model.LogEvent, 0, min(limit, len(all)))
	for _, e := range all {
		if onlyAnomalies && !e.IsAnomaly {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAllEventsByUpload(_ context.Context, uploadID string) ([]*model.LogEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyEvents(uploadID), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// copyEvents must be called with the lock held.
func (s *MemoryStore) copyEvents(uploadID string) []*model.LogEvent {
	src := s.events[uploadID]
	out := make([]*model.LogEvent, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out
}

func uploadNotFound(id string) error {
	return apperrors.NewNotFound("upload " + id + " not found")
}
