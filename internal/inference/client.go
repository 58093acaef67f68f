// Package inference is the HTTP client for the local Ollama inference server.
//
// Every failure is returned as a *ClientError whose Type tells callers what
// went wrong without parsing messages: the server is down, slow, missing the
// requested model, or answered with something unusable.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/treykane/omega/internal/appconfig"
)

// ErrorType classifies a ClientError.
type ErrorType string

const (
	ErrNotRunning    ErrorType = "not_running"
	ErrTimeout       ErrorType = "timeout"
	ErrModelNotFound ErrorType = "model_not_found"
	ErrUpstream      ErrorType = "upstream"
)

// ClientError is returned by every Client method.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// UserMessage is a short explanation safe to show to end users.
func (e *ClientError) UserMessage() string {
	switch e.Type {
	case ErrNotRunning:
		return "The inference server is not reachable. Is Ollama running?"
	case ErrTimeout:
		return "The inference server took too long to answer."
	case ErrModelNotFound:
		return "The requested model is not installed on the inference server."
	default:
		return "The inference server returned an error."
	}
}

// IsType reports whether err is a ClientError of type t.
func IsType(err error, t ErrorType) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == t
}

// Options are the sampling parameters sent with each request.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Request is one generation request.
type Request struct {
	Model  string
	Prompt string
	System string
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Model describes one installed model.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Fallback   bool      `json:"fallback,omitempty"`
}

// FallbackModels is offered when the server cannot list its models.
var FallbackModels = []string{
	"mistral:7b-instruct",
	"llama3.2:3b-instruct",
	"phi3:mini",
	"qwen2:1.5b-instruct",
}

// Client talks to one Ollama server. It is safe for concurrent use.
type Client struct {
	baseURL string
	model   string
	options Options
	http    *http.Client
}

// NewClient builds a client from the inference config section.
func NewClient(cfg appconfig.InferenceConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		options: Options{Temperature: cfg.Temperature, TopP: cfg.TopP, NumPredict: cfg.MaxTokens},
		http:    &http.Client{Timeout: timeout},
	}
}

// DefaultModel is the model used when a request names none.
func (c *Client) DefaultModel() string { return c.model }

// Generate returns the full completion for req.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ClientError{Type: ErrUpstream, Message: "decode generate response", Cause: err}
	}
	if out.Error != "" {
		return "", &ClientError{Type: ErrUpstream, Message: out.Error}
	}
	return out.Response, nil
}

// GenerateStream calls onChunk for every non-empty fragment of the
// completion as it arrives and returns the assembled text. An error from
// onChunk aborts the stream and is returned as is.
func (c *Client) GenerateStream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return full.String(), &ClientError{Type: ErrUpstream, Message: chunk.Error}
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onChunk != nil {
				if err := onChunk(chunk.Response); err != nil {
					return full.String(), err
				}
			}
		}
		if chunk.Done {
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), classify(err)
	}
	return full.String(), nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ClientError{Type: ErrUpstream, Message: "decode model list", Cause: err}
	}
	return out.Models, nil
}

// ModelsOrFallback lists installed models, or FallbackModels when the server
// cannot be asked. The error is returned alongside the fallback list.
func (c *Client) ModelsOrFallback(ctx context.Context) ([]Model, error) {
	models, err := c.ListModels(ctx)
	if err == nil {
		return models, nil
	}
	out := make([]Model, 0, len(FallbackModels))
	for _, name := range FallbackModels {
		out = append(out, Model{Name: name, Fallback: true})
	}
	return out, err
}

// Version checks reachability and returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/api/version")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ClientError{Type: ErrUpstream, Message: "decode version", Cause: err}
	}
	return out.Version, nil
}

func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	opts := c.options
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  stream,
		Options: &opts,
	})
	if err != nil {
		return nil, &ClientError{Type: ErrUpstream, Message: "encode generate request", Cause: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrUpstream, Message: "build generate request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, model)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &ClientError{Type: ErrUpstream, Message: "build request", Cause: err}
	}
	return c.do(httpReq, "")
}

func (c *Client) do(req *http.Request, model string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	msg := fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusNotFound && model != "" {
		return nil, &ClientError{Type: ErrModelNotFound, Message: fmt.Sprintf("model %q: %s", model, msg)}
	}
	return nil, &ClientError{Type: ErrUpstream, Message: msg}
}

func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ClientError{Type: ErrTimeout, Message: "inference request timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ClientError{Type: ErrUpstream, Message: "inference request cancelled", Cause: err}
	}
	return &ClientError{Type: ErrNotRunning, Message: "inference server unreachable", Cause: err}
}
