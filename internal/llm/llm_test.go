package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/IssueCrawler/internal/config"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result, err := ParseJSONResponse(`{"summary": "Broker fix", "num": 42}`)
	require.NoError(t, err)
	assert.Equal(t, "Broker fix", result["summary"])
	assert.Equal(t, float64(42), result["num"])
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	for _, text := range []string{
		"```json\n{\"summary\": \"value\"}\n```",
		"```\n{\"summary\": \"value\"}\n```",
		"  \n  {\"summary\": \"value\"}  \n  ",
	} {
		result, err := ParseJSONResponse(text)
		require.NoError(t, err, "ParseJSONResponse(%q)", text)
		assert.Equal(t, "value", result["summary"], "ParseJSONResponse(%q)", text)
	}
}

func TestParseJSONResponseUnterminatedFence(t *testing.T) {
	result, err := ParseJSONResponse("```json\n{\"summary\": \"value\"}")
	require.NoError(t, err)
	assert.Equal(t, "value", result["summary"])
}

func TestParseJSONResponseInvalid(t *testing.T) {
	for _, text := range []string{"not json at all", "", "null", "[1, 2]"} {
		_, err := ParseJSONResponse(text)
		assert.Error(t, err, "input %q", text)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "qwen2.5:7b", body["model"])
		w.Write([]byte(`{"message": {"content": "{\"summary\": \"ok\"}"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL, nil)
	out, err := p.Generate(context.Background(), "prompt", 64)
	require.NoError(t, err)
	assert.Equal(t, `{"summary": "ok"}`, out)
}

func TestOllamaGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL, nil)
	_, err := p.Generate(context.Background(), "prompt", 64)
	assert.Error(t, err)
}

func TestOpenAIRequiresKey(t *testing.T) {
	t.Setenv("ISSUECRAWLER_TEST_KEY", "")
	p := NewOpenAIProvider("gpt-4o-mini", "ISSUECRAWLER_TEST_KEY")
	assert.False(t, p.IsConfigured(context.Background()))

	_, err := p.Generate(context.Background(), "prompt", 64)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices": [{"message": {"content": "hello"}}]}`))
	}))
	defer srv.Close()

	t.Setenv("ISSUECRAWLER_TEST_KEY", "secret")
	p := NewOpenAIProvider("gpt-4o-mini", "ISSUECRAWLER_TEST_KEY")
	p.BaseURL = srv.URL
	out, err := p.Generate(context.Background(), "prompt", 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestCreateProviderNoneAvailable(t *testing.T) {
	t.Setenv("ISSUECRAWLER_TEST_KEY", "")
	cfg := config.LLM{Provider: "openai", APIKeyEnv: "ISSUECRAWLER_TEST_KEY"}
	assert.Nil(t, CreateProvider(context.Background(), cfg, nil))
}
