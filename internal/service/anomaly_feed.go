package service

import (
	"context"
	"fmt"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

// AnomalyFeed lists heuristically flagged events for a user.
type AnomalyFeed struct {
	store Store
}

func NewAnomalyFeed(store Store) *AnomalyFeed {
	return &AnomalyFeed{store: store}
}

// ForUpload returns one upload's anomalies. The upload must belong to userID.
func (f *AnomalyFeed) ForUpload(ctx context.Context, userID, uploadID string, limit int) ([]*model.LogEvent, error) {
	upload, err := f.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.UserID != userID {
		// Do not reveal uploads owned by someone else.
		return nil, apperrors.NewNotFound("upload " + uploadID + " not found")
	}
	return f.store.GetEventsByUpload(ctx, uploadID, true, limit)
}

// ForUser fills up to limit anomalies upload by upload, newest upload first.
func (f *AnomalyFeed) ForUser(ctx context.Context, userID string, limit int) ([]*model.LogEvent, error) {
	limit = model.NormalizeEventLimit(limit)
	uploads, err := f.store.ListUploadsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	out := make([]*model.LogEvent, 0)
	for _, u := range uploads {
		remaining := limit - len(out)
		if remaining <= 0 {
			break
		}
		events, err := f.store.GetEventsByUpload(ctx, u.ID, true, remaining)
		if err != nil {
			return nil, fmt.Errorf("events of upload %s: %w", u.ID, err)
		}
		out = append(out, events...)
	}
	return out, nil
}
