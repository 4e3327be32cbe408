package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"}, nil)
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &gotBody))
		io.WriteString(w, `{
			"choices": [{"message": {"content": " {\"total\": 10} "}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	})

	out, err := c.Complete(context.Background(), llm.CompletionRequest{System: "extract", User: "page text"})
	require.NoError(t, err)
	assert.Equal(t, `{"total": 10}`, out.Text)
	assert.Equal(t, llm.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, out.Usage)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "test-model", gotBody["model"])
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
}

func TestCompleteAttachesImageAsDataURL(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &gotBody))
		io.WriteString(w, `{"choices": [{"message": {"content": "{}"}}]}`)
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{
		User:     "extract this page",
		ImagePNG: []byte("raster"),
	})
	require.NoError(t, err)

	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
	user := messages[0].(map[string]any)
	parts, ok := user["content"].([]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
}

func TestCompleteClientErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": "bad request"}`)
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	var mce *common.ModelCallError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, http.StatusBadRequest, mce.Status)
	assert.False(t, mce.Retryable())
}

func TestCompleteServerErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	var mce *common.ModelCallError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, http.StatusServiceUnavailable, mce.Status)
	assert.True(t, mce.Retryable())
}

func TestCompleteRateLimitedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	var mce *common.ModelCallError
	require.True(t, errors.As(err, &mce))
	assert.True(t, mce.Retryable())
}

func TestCompleteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	srv.Close()

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	var mce *common.ModelCallError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, 0, mce.Status)
	assert.True(t, mce.Retryable())
}

func TestCompleteNoChoicesIsNotRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"choices": []}`)
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	require.Error(t, err)
	// a usable HTTP exchange with an unusable body is a content error,
	// never a transport error the coordinator would retry
	var mce *common.ModelCallError
	assert.False(t, errors.As(err, &mce))
}

func TestCompleteDecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "not json at all")
	})

	_, err := c.Complete(context.Background(), llm.CompletionRequest{User: "x"})
	require.Error(t, err)
	var mce *common.ModelCallError
	assert.False(t, errors.As(err, &mce))
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{APIKey: "k"}, nil)
	assert.Equal(t, "https://api.openai.com/v1", c.cfg.BaseURL)
	assert.Equal(t, "gpt-4o-mini", c.cfg.Model)
	assert.Greater(t, c.cfg.Timeout.Seconds(), 0.0)
}
