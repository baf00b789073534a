package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIExtractorSendsChatRequest(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody chatRequest
	var decodeErr error

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		decodeErr = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"results\":[]}"}}]}`))
	}))
	defer srv.Close()

	ext := NewOpenAIExtractor(OpenAIConfig{
		APIKey:    "test-key",
		BaseURL:   srv.URL + "/v1/",
		Model:     "gpt-4o-mini",
		MaxTokens: 512,
	})

	out, err := ext.Extract(context.Background(), "extract this")
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, `{"results":[]}`, out)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	assert.Equal(t, 512, gotBody.MaxTokens)
	assert.Equal(t, 0.3, gotBody.Temperature)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, "extract this", gotBody.Messages[0].Content)
}

func TestOpenAIExtractorHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ext := NewOpenAIExtractor(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})

	_, err := ext.Extract(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestOpenAIExtractorEmptyResponse(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"no choices", `{"choices":[]}`, "empty choices"},
		{"blank content", `{"choices":[{"message":{"content":"  "}}]}`, "empty content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ext := NewOpenAIExtractor(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
			_, err := ext.Extract(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestOpenAIExtractorValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  OpenAIConfig
		want string
	}{
		{"missing key", OpenAIConfig{BaseURL: "http://x", Model: "m"}, "missing extraction api key"},
		{"missing base url", OpenAIConfig{APIKey: "k", Model: "m"}, "missing extraction base url"},
		{"missing model", OpenAIConfig{APIKey: "k", BaseURL: "http://x"}, "missing extraction model"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOpenAIExtractor(tc.cfg).Extract(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestOpenAIExtractorName(t *testing.T) {
	ext := NewOpenAIExtractor(OpenAIConfig{Model: "gpt-4o-mini"})
	assert.Equal(t, "openai:gpt-4o-mini", ext.Name())
}
