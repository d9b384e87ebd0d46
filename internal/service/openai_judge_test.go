package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxylens/proxylens/internal/pkg/apperrors"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func newJudgeServer(t *testing.T, status int, body string, inspect func(r *http.Request, payload map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		if inspect != nil {
			inspect(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func judgeRequest() JudgeRequest {
	ts := "2024-05-01T10:00:00"
	risk := 5
	return JudgeRequest{
		Model:          "gpt-test",
		MaxReasonChars: 120,
		Events: []JudgeEvent{{
			ID: "ev-1", Timestamp: &ts, ClientIP: "10.0.0.1", URL: "https://pastebin.com/raw/x?a=1&b=2",
			Action: "allowed", BytesSent: 10, RiskScore: &risk, HeuristicIsAnomaly: true,
		}},
	}
}

func TestOpenAIJudge_Review(t *testing.T) {
	content := `{"results": [
		{"id": "ev-1", "is_anomalous": true, "confidence": 0.8, "reason": " paste site upload "},
		"garbage",
		{"id": 42, "is_anomalous": "false", "confidence": "0.25"}
	]}`
	srv := newJudgeServer(t, http.StatusOK, completion(content), func(r *http.Request, payload map[string]any) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "gpt-test", payload["model"])
		assert.Equal(t, 0.2, payload["temperature"])
		assert.Equal(t, map[string]any{"type": "json_object"}, payload["response_format"])

		messages, _ := payload["messages"].([]any)
		if !assert.Len(t, messages, 2) {
			return
		}
		system, _ := messages[0].(map[string]any)["content"].(string)
		user, _ := messages[1].(map[string]any)["content"].(string)
		assert.Contains(t, system, "SOC analyst")
		assert.Contains(t, user, "Reason must be <= 120 characters.")
		assert.Contains(t, user, `"url":"https://pastebin.com/raw/x?a=1&b=2"`)
	})

	j := NewOpenAIJudge(OpenAIJudgeConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Timeout: time.Second})
	verdicts, err := j.Review(context.Background(), judgeRequest())
	require.NoError(t, err)
	require.Len(t, verdicts, 2)

	assert.Equal(t, RawVerdict{ID: "ev-1", IsAnomalous: true, Confidence: 0.8, Reason: "paste site upload"}, verdicts[0])
	assert.Equal(t, RawVerdict{ID: "42", IsAnomalous: false, Confidence: 0.25}, verdicts[1])
}

func TestOpenAIJudge_NullErrorField(t *testing.T) {
	body := `{"error": null, "choices": [{"message": {"role": "assistant",
		"content": "{\"results\": [{\"id\": \"ev-1\", \"is_anomalous\": false, \"confidence\": 0.1, \"reason\": \"routine\"}]}"}}]}`
	srv := newJudgeServer(t, http.StatusOK, body, nil)

	j := NewOpenAIJudge(OpenAIJudgeConfig{APIKey: "sk-test", BaseURL: srv.URL})
	verdicts, err := j.Review(context.Background(), judgeRequest())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, RawVerdict{ID: "ev-1", Confidence: 0.1, Reason: "routine"}, verdicts[0])
}

func TestOpenAIJudge_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"non-JSON body", http.StatusOK, "<html>bad gateway</html>", "non-JSON response"},
		{"error envelope", http.StatusUnauthorized, `{"error": {"message": "invalid key"}}`, "AI judge API error"},
		{"http status", http.StatusInternalServerError, `{"detail": "oops"}`, "HTTP 500"},
		{"non-JSON content", http.StatusOK, completion("Sure! Here you go."), "non-JSON content"},
		{"missing results", http.StatusOK, completion(`{"decisions": []}`), "missing 'results' list"},
		{"results not a list", http.StatusOK, completion(`{"results": {"id": "ev-1"}}`), "missing 'results' list"},
		{"no choices", http.StatusOK, `{"choices": []}`, "non-JSON content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newJudgeServer(t, tt.status, tt.body, nil)
			j := NewOpenAIJudge(OpenAIJudgeConfig{APIKey: "sk-test", BaseURL: srv.URL})

			_, err := j.Review(context.Background(), judgeRequest())
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrExternalService))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOpenAIJudge_MissingKeyAndTransport(t *testing.T) {
	var hits int
	srv := newJudgeServer(t, http.StatusOK, completion(`{"results": []}`), func(*http.Request, map[string]any) { hits++ })

	_, err := NewOpenAIJudge(OpenAIJudgeConfig{BaseURL: srv.URL}).Review(context.Background(), judgeRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is not configured")
	assert.Zero(t, hits)

	srv.Close()
	_, err = NewOpenAIJudge(OpenAIJudgeConfig{APIKey: "sk", BaseURL: srv.URL}).Review(context.Background(), judgeRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrExternalService))
	assert.True(t, strings.Contains(err.Error(), "request failed"))
}
