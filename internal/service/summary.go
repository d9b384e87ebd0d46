package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/logger"
	"github.com/proxylens/proxylens/internal/pkg/metrics"
)

const (
	DefaultBucketMinutes = 5
	MaxBucketMinutes     = 60

	// BucketLayout is the sortable text form of bucket starts.
	BucketLayout = "2006-01-02T15:04:05"

	leaderboardSize   = 10
	bucketDomainsSize = 3
)

// NormalizeBucketMinutes resets values outside 1..60 to the default.
func NormalizeBucketMinutes(m int) int {
	if m <= 0 || m > MaxBucketMinutes {
		return DefaultBucketMinutes
	}
	return m
}

// ParseBucketMinutes reads a query parameter; anything invalid yields the default.
func ParseBucketMinutes(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBucketMinutes
	}
	m, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultBucketMinutes
	}
	return NormalizeBucketMinutes(m)
}

// BucketStart floors t to the bucket containing it. Buckets are aligned on
// the UTC clock whatever location t carries.
func BucketStart(t time.Time, bucketMinutes int) time.Time {
	t = t.UTC()
	floored := t.Minute() - t.Minute()%bucketMinutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), floored, 0, 0, time.UTC)
}

type bucketAcc struct {
	start    time.Time
	bucket   model.TimelineBucket
	domains  []string // first-seen order
	domainsN map[string]int
}

func (b *bucketAcc) addDomain(d string) {
	if _, ok := b.domainsN[d]; !ok {
		b.domains = append(b.domains, d)
	}
	b.domainsN[d]++
}

func (b *bucketAcc) topDomains() []model.DomainCount {
	out := make([]model.DomainCount, 0, len(b.domains))
	for _, d := range b.domains {
		out = append(out, model.DomainCount{Domain: d, Count: b.domainsN[d]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > bucketDomainsSize {
		out = out[:bucketDomainsSize]
	}
	return out
}

// leaderboard accumulates Activity per key, remembering first-seen order so
// ties stay stable.
type leaderboard struct {
	keys []string
	acc  map[string]*model.Activity
}

func newLeaderboard() *leaderboard {
	return &leaderboard{acc: make(map[string]*model.Activity)}
}

func (l *leaderboard) add(key string, e *model.LogEvent) {
	a, ok := l.acc[key]
	if !ok {
		a = &model.Activity{}
		l.acc[key] = a
		l.keys = append(l.keys, key)
	}
	a.EventCount++
	a.BytesOut += e.BytesSent
	if e.RiskScore != nil && *e.RiskScore > a.MaxRiskScore {
		a.MaxRiskScore = *e.RiskScore
	}
	if e.IsAnomaly {
		a.AnomalyCount++
	}
}

func (l *leaderboard) ranked() []string {
	keys := append([]string(nil), l.keys...)
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := l.acc[keys[i]], l.acc[keys[j]]
		if a.BytesOut != b.BytesOut {
			return a.BytesOut > b.BytesOut
		}
		return a.EventCount > b.EventCount
	})
	if len(keys) > leaderboardSize {
		keys = keys[:leaderboardSize]
	}
	return keys
}

// Aggregate builds the summary of one upload from its events. It is pure.
func Aggregate(uploadID string, events []*model.LogEvent, bucketMinutes int) *model.Summary {
	bucketMinutes = NormalizeBucketMinutes(bucketMinutes)
	sum := &model.Summary{
		UploadID:      uploadID,
		BucketMinutes: bucketMinutes,
		Timeline:      []model.TimelineBucket{},
		TopTalkers:    []model.TalkerStat{},
		TopDomains:    []model.DomainStat{},
		Highlights:    []string{},
	}

	buckets := make(map[int64]*bucketAcc)
	talkers := newLeaderboard()
	domains := newLeaderboard()
	var largest *model.LogEvent

	for _, e := range events {
		if e == nil {
			continue
		}
		domain := DomainOf(e.URL)

		sum.TotalEvents++
		sum.TotalBytesOut += e.BytesSent
		if e.IsAnomaly {
			sum.AnomalyCount++
		}
		talkers.add(e.ClientIP, e)
		domains.add(domain, e)
		if largest == nil || e.BytesSent > largest.BytesSent {
			largest = e
		}

		if e.Timestamp.IsZero() {
			continue
		}
		start := BucketStart(e.Timestamp, bucketMinutes)
		b, ok := buckets[start.Unix()]
		if !ok {
			b = &bucketAcc{
				start:    start,
				bucket:   model.TimelineBucket{BucketStart: start.Format(BucketLayout)},
				domainsN: make(map[string]int),
			}
			buckets[start.Unix()] = b
		}
		b.bucket.EventCount++
		b.bucket.BytesOut += e.BytesSent
		if e.IsAnomaly {
			b.bucket.AnomalyCount++
		}
		b.addDomain(domain)
	}

	ordered := make([]*bucketAcc, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].start.Before(ordered[j].start) })

	var firstAnomaly, lastAnomaly *bucketAcc
	for _, b := range ordered {
		b.bucket.TopDomains = b.topDomains()
		sum.Timeline = append(sum.Timeline, b.bucket)
		if b.bucket.AnomalyCount > 0 {
			if firstAnomaly == nil {
				firstAnomaly = b
			}
			lastAnomaly = b
		}
	}

	for _, ip := range talkers.ranked() {
		sum.TopTalkers = append(sum.TopTalkers, model.TalkerStat{ClientIP: ip, Activity: *talkers.acc[ip]})
	}
	for _, d := range domains.ranked() {
		sum.TopDomains = append(sum.TopDomains, model.DomainStat{Domain: d, Activity: *domains.acc[d]})
	}

	if largest != nil && largest.BytesSent > 0 {
		sum.Highlights = append(sum.Highlights, fmt.Sprintf("Largest single transfer: %s to %s from %s",
			humanize.Bytes(uint64(largest.BytesSent)), DomainOf(largest.URL), largest.ClientIP))
	}
	if len(sum.TopTalkers) > 0 {
		top := sum.TopTalkers[0]
		sum.Highlights = append(sum.Highlights, fmt.Sprintf("Top talker: %s sent %s across %s events (%d flagged)",
			top.ClientIP, humanize.Bytes(uint64(top.BytesOut)), humanize.Comma(int64(top.EventCount)), top.AnomalyCount))
	}
	if firstAnomaly != nil {
		sum.Highlights = append(sum.Highlights, fmt.Sprintf("Anomalous activity between %s and %s",
			firstAnomaly.bucket.BucketStart, lastAnomaly.bucket.BucketStart))
	}
	return sum
}

// SummaryService serves summaries, caching those of completed uploads.
type SummaryService struct {
	store Store
	cache SummaryCache
}

func NewSummaryService(store Store, cache SummaryCache) *SummaryService {
	return &SummaryService{store: store, cache: cache}
}

func (s *SummaryService) Summary(ctx context.Context, uploadID string, bucketMinutes int) (*model.Summary, error) {
	bucketMinutes = NormalizeBucketMinutes(bucketMinutes)

	upload, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	cacheable := s.cache != nil && upload.Status == model.UploadCompleted

	if cacheable {
		cached, ok, err := s.cache.Get(ctx, uploadID, bucketMinutes)
		if err != nil {
			logger.LogError(ctx, err, "Summary cache read failed", "upload_id", uploadID)
		} else if ok {
			metrics.SummaryCache.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.SummaryCache.WithLabelValues("miss").Inc()
	}

	events, err := s.store.GetAllEventsByUpload(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	sum := Aggregate(uploadID, events, bucketMinutes)

	if cacheable {
		if err := s.cache.Set(ctx, sum); err != nil {
			logger.LogError(ctx, err, "Summary cache write failed", "upload_id", uploadID)
		}
	}
	return sum, nil
}
