package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/omega/internal/appconfig"
)

func newClient(url string) *Client {
	return NewClient(appconfig.InferenceConfig{
		BaseURL:        url + "/",
		Model:          "llama3.2",
		Temperature:    0.7,
		TopP:           0.9,
		MaxTokens:      256,
		TimeoutSeconds: 5,
	})
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.Equal(t, "hello", req.Prompt)
		assert.Equal(t, "be brief", req.System)
		assert.False(t, req.Stream)
		require.NotNil(t, req.Options)
		assert.Equal(t, 256, req.Options.NumPredict)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "hi there", Done: true})
	}))
	defer srv.Close()

	out, err := newClient(srv.URL).Generate(context.Background(), Request{Prompt: "hello", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "mistral", req.Model)
		for _, part := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, `{"response":%q,"done":%t}`+"\n", part, part == "")
		}
		fmt.Fprintln(w, `{"response":"ignored after done","done":false}`)
	}))
	defer srv.Close()

	var chunks []string
	out, err := newClient(srv.URL).GenerateStream(context.Background(), Request{Model: "mistral", Prompt: "x"}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestGenerateStreamCallbackAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"a","done":false}`)
		fmt.Fprintln(w, `{"response":"b","done":true}`)
	}))
	defer srv.Close()

	stop := errors.New("client gone")
	out, err := newClient(srv.URL).GenerateStream(context.Background(), Request{Prompt: "x"}, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", out)
}

func TestErrorClassification(t *testing.T) {
	t.Run("model not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
		}))
		defer srv.Close()
		_, err := newClient(srv.URL).Generate(context.Background(), Request{Model: "nope", Prompt: "x"})
		require.Error(t, err)
		assert.True(t, IsType(err, ErrModelNotFound))
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("upstream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()
		_, err := newClient(srv.URL).Generate(context.Background(), Request{Prompt: "x"})
		assert.True(t, IsType(err, ErrUpstream))
	})

	t.Run("not running", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := newClient(url).Generate(context.Background(), Request{Prompt: "x"})
		assert.True(t, IsType(err, ErrNotRunning))
		var ce *ClientError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.UserMessage(), "Ollama")
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := newClient(srv.URL).Generate(ctx, Request{Prompt: "x"})
		assert.True(t, IsType(err, ErrTimeout), "got %v", err)
	})
}

func TestListModelsAndFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","size":2019393189}]}`))
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.5.7"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	c := newClient(srv.URL)

	models, err := c.ModelsOrFallback(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.2:latest", models[0].Name)
	assert.False(t, models[0].Fallback)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5.7", v)

	srv.Close()
	models, err = c.ModelsOrFallback(context.Background())
	require.Error(t, err)
	require.Len(t, models, len(FallbackModels))
	assert.True(t, models[0].Fallback)
	assert.Equal(t, FallbackModels[0], models[0].Name)
}
