// Package search looks up short web snippets for prompts that ask about
// current events. It uses the DuckDuckGo instant answer API, which needs no
// key and returns JSON.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the DuckDuckGo instant answer API.
const DefaultEndpoint = "https://api.duckduckgo.com/"

// Keywords trigger a lookup when any of them appears in the prompt.
var Keywords = []string{"latest", "current", "recent", "news", "today", "search", "look up"}

// NeedsSearch reports whether text asks for fresh information.
func NeedsSearch(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Result is one snippet.
type Result struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source"`
}

// Searcher returns snippets for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Client queries the instant answer API.
type Client struct {
	Endpoint   string
	MaxResults int
	HTTP       *http.Client
}

// NewClient returns a client with a five second timeout and three results.
func NewClient() *Client {
	return &Client{
		Endpoint:   DefaultEndpoint,
		MaxResults: 3,
		HTTP:       &http.Client{Timeout: 5 * time.Second},
	}
}

type instantAnswer struct {
	Heading       string         `json:"Heading"`
	Abstract      string         `json:"Abstract"`
	AbstractURL   string         `json:"AbstractURL"`
	RelatedTopics []relatedTopic `json:"RelatedTopics"`
}

type relatedTopic struct {
	Text     string `json:"Text"`
	FirstURL string `json:"FirstURL"`
}

// Search implements Searcher.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %q: %s", query, resp.Status)
	}

	var ia instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ia); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	limit := c.MaxResults
	if limit <= 0 {
		limit = 3
	}
	var out []Result
	if ia.Abstract != "" {
		title := ia.Heading
		if title == "" {
			title = "Instant Answer"
		}
		out = append(out, Result{Title: title, Content: ia.Abstract, URL: ia.AbstractURL, Source: "DuckDuckGo Instant Answer"})
	}
	for _, t := range ia.RelatedTopics {
		if len(out) >= limit {
			break
		}
		if t.Text == "" {
			continue
		}
		out = append(out, Result{Title: topicTitle(t.FirstURL), Content: t.Text, URL: t.FirstURL, Source: "DuckDuckGo"})
	}
	return out, nil
}

func topicTitle(u string) string {
	i := strings.LastIndex(u, "/")
	return strings.ReplaceAll(u[i+1:], "_", " ")
}

// Format renders results as a prompt section.
func Format(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Web search results:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s: %s", i+1, r.Title, r.Content)
		if r.URL != "" {
			fmt.Fprintf(&b, " (%s)", r.URL)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
