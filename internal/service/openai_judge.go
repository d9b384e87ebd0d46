package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/proxylens/proxylens/internal/pkg/apperrors"
	"github.com/proxylens/proxylens/internal/pkg/metrics"
)

const (
	defaultJudgeBaseURL = "https://api.openai.com"
	judgeTemperature    = 0.2
	maxJudgeBodyBytes   = 8 << 20
	errorSnippetChars   = 200
)

const judgeSystemPrompt = `You are a senior cybersecurity SOC analyst reviewing web proxy logs.
Goal: for each event, decide if it is anomalous in context.
Important:
- Do NOT treat 'high risk score' or 'large bytes' as automatically anomalous.
- Use destination URL/domain context (e.g., IT/admin tooling vs consumer file share vs paste sites).
- Produce a per-event yes/no decision, a short reason, and a confidence score.
- Keep reasons concise and actionable.

Output MUST be valid JSON only (no markdown) with this exact shape:
{
  "results": [
    {"id": "<id>", "is_anomalous": true|false, "confidence": 0.0-1.0, "reason": "<string>"}
  ]
}
`

type OpenAIJudgeConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAIJudge calls an OpenAI-compatible chat completions endpoint in JSON mode.
type OpenAIJudge struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewOpenAIJudge(cfg OpenAIJudgeConfig) *OpenAIJudge {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultJudgeBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIJudge{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		endpoint: base + "/v1/chat/completions",
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

func (j *OpenAIJudge) Review(ctx context.Context, req JudgeRequest) (verdicts []RawVerdict, err error) {
	if j.apiKey == "" {
		return nil, apperrors.NewExternalService("AI judge API key is not configured", nil)
	}

	started := time.Now()
	defer func() {
		metrics.JudgeLatency.Observe(time.Since(started).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.JudgeCalls.WithLabelValues(outcome).Inc()
	}()

	eventsJSON, err := json.MarshalNoEscape(req.Events)
	if err != nil {
		return nil, fmt.Errorf("encode judge events: %w", err)
	}
	userPrompt := fmt.Sprintf("Review the following log events.\n"+
		"Return JSON with one result per input event id.\n"+
		"Reason must be <= %d characters.\n\n"+
		"Events JSON:\n%s", req.MaxReasonChars, eventsJSON)

	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Temperature: judgeTemperature,
		Messages: []chatMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewExternalService("AI judge request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJudgeBodyBytes))
	if err != nil {
		return nil, apperrors.NewExternalService("AI judge response read failed", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperrors.NewExternalService("AI judge returned non-JSON response: "+snippet(string(body)), err)
	}
	if apiErr := envelope["error"]; apiErr != nil {
		return nil, apperrors.NewExternalService(fmt.Sprintf("AI judge API error: %v", apiErr), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewExternalService(fmt.Sprintf("AI judge returned HTTP %d", resp.StatusCode), nil)
	}

	content := messageContent(envelope)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, apperrors.NewExternalService("AI judge returned non-JSON content: "+snippet(content), err)
	}
	results, ok := parsed["results"].([]any)
	if !ok {
		return nil, apperrors.NewExternalService("AI judge JSON missing 'results' list", nil)
	}

	verdicts = make([]RawVerdict, 0, len(results))
	for _, item := range results {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		verdicts = append(verdicts, RawVerdict{
			ID:          asString(obj["id"]),
			IsAnomalous: asBool(obj["is_anomalous"]),
			Confidence:  asFloat(obj["confidence"]),
			Reason:      strings.TrimSpace(asString(obj["reason"])),
		})
	}
	return verdicts, nil
}

// messageContent digs choices[0].message.content out of a chat completion.
func messageContent(envelope map[string]any) string {
	choices, _ := envelope["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	msg, _ := choice["message"].(map[string]any)
	content, _ := msg["content"].(string)
	return content
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) > errorSnippetChars {
		return string(r[:errorSnippetChars])
	}
	return s
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}
