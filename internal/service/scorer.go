package service

import (
	"fmt"
	"math"
	"strings"
)

const (
	RiskThreshold  = 4
	BytesThreshold = int64(5_000_000)

	riskSeveritySpan  = 3.0
	bytesSeveritySpan = 20_000_000.0

	triggerBase  = 0.15
	triggerRange = 0.55
)

type Trigger string

const (
	TriggerRisk  Trigger = "risk"
	TriggerBytes Trigger = "bytes"
)

// Verdict is the heuristic outcome for one event.
type Verdict struct {
	IsAnomaly  bool
	Reason     string
	Confidence float64
	Triggers   []Trigger
}

// Scorer applies the risk and bytes triggers. It holds no mutable state.
type Scorer struct {
	classifier *DomainClassifier
}

func NewScorer(rules []DomainContextRule) *Scorer {
	return &Scorer{classifier: NewDomainClassifier(rules)}
}

func (s *Scorer) Score(risk int, bytesSent int64, rawURL string) Verdict {
	var v Verdict
	riskHit := risk >= RiskThreshold
	bytesHit := bytesSent > BytesThreshold
	if !riskHit && !bytesHit {
		return v
	}

	domain := DomainOf(rawURL)
	dctx := s.classifier.Classify(domain)
	var clauses []string

	if riskHit {
		sev := clamp(float64(risk-RiskThreshold)/riskSeveritySpan, 0, 1)
		v.Confidence += triggerBase + triggerRange*sev
		v.Triggers = append(v.Triggers, TriggerRisk)
		clauses = append(clauses, fmt.Sprintf("High risk app: app_risk_score %d >= %d (destination %s, context %s)",
			risk, RiskThreshold, domain, dctx))
	}
	if bytesHit {
		sev := clamp(float64(bytesSent-BytesThreshold)/bytesSeveritySpan, 0, 1)
		v.Confidence += triggerBase + triggerRange*sev
		v.Triggers = append(v.Triggers, TriggerBytes)
		clauses = append(clauses, fmt.Sprintf("Large data outbound: %d bytes > %d (destination %s, context %s)",
			bytesSent, BytesThreshold, domain, dctx))
	}

	v.IsAnomaly = true
	v.Reason = strings.Join(clauses, "; ")
	v.Confidence = clamp(v.Confidence, 0, 1)
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
