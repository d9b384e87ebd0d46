package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

// Required CSV columns, in any order.
const (
	ColDatetime  = "datetime"
	ColClientIP  = "clientip"
	ColURL       = "url"
	ColAction    = "action"
	ColSentBytes = "sentbytes"
	ColRiskScore = "app_risk_score"
)

var requiredHeaders = []string{ColDatetime, ColClientIP, ColURL, ColAction, ColSentBytes, ColRiskScore}

const (
	timestampLayout         = "2006-01-02 15:04:05"
	timestampLayoutFraction = "2006-01-02 15:04:05.999999999"
)

// ParsedRow is a validated CSV row. Numeric fields are already defaulted.
type ParsedRow struct {
	Line      int
	Timestamp time.Time
	ClientIP  string
	URL       string
	Action    string
	BytesSent int64
	RiskScore int
}

// RowParser turns raw CSV records into ParsedRows for one validated header.
type RowParser struct {
	index map[string]int
}

// NewRowParser validates the header row. A header missing any required
// column yields a VALIDATION_ERROR listing the missing names in sorted order.
func NewRowParser(header []string) (*RowParser, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	var missing []string
	for _, name := range requiredHeaders {
		if _, ok := index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.NewMissingHeaders(missing)
	}
	return &RowParser{index: index}, nil
}

// Parse converts one record. line is the 1-based line number in the file
// and is only used for error messages.
func (p *RowParser) Parse(line int, record []string) (*ParsedRow, error) {
	rawTS := p.field(record, ColDatetime)
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return nil, apperrors.NewMalformedRow(line, fmt.Sprintf("unparseable datetime %q", rawTS), err)
	}

	bytesSent := parseInt64(p.field(record, ColSentBytes))
	if bytesSent < 0 {
		bytesSent = 0
	}

	return &ParsedRow{
		Line:      line,
		Timestamp: ts,
		ClientIP:  p.field(record, ColClientIP),
		URL:       p.field(record, ColURL),
		Action:    p.field(record, ColAction),
		BytesSent: bytesSent,
		RiskScore: int(parseInt64(p.field(record, ColRiskScore))),
	}, nil
}

func (p *RowParser) field(record []string, name string) string {
	i, ok := p.index[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ParseTimestamp accepts "YYYY-MM-DD HH:MM:SS" and the same with a
// fractional-second suffix.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	ts, err := time.Parse(timestampLayout, value)
	if err == nil {
		return ts, nil
	}
	return time.Parse(timestampLayoutFraction, value)
}

// parseInt64 is lenient: anything unparseable is 0.
func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return 0
}
