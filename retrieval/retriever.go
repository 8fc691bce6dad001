package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Result is one scored passage returned by a knowledge or memory store.
type Result struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Retriever is the upstream contract for both the knowledge base and the
// conversation-memory store.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Result, error)
}

// HTTPRetriever queries a collaborator service that exposes
// POST {url} with {"query": ..., "limit": ...} returning a JSON array of
// scored passages. Results below ScoreThreshold are discarded.
type HTTPRetriever struct {
	URL            string
	Headers        map[string]string
	ScoreThreshold float64
	Client         *http.Client
}

func NewHTTPRetriever(url string, threshold float64) *HTTPRetriever {
	return &HTTPRetriever{
		URL:            url,
		ScoreThreshold: threshold,
		Client:         &http.Client{Timeout: 10 * time.Second},
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Result, error) {
	body, err := sonic.Marshal(retrieveRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("retrieval: unexpected status %d from %s", resp.StatusCode, r.URL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: read response: %w", err)
	}

	var results []Result
	if err := sonic.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("retrieval: parse response: %w", err)
	}

	filtered := results[:0]
	for _, res := range results {
		if res.Score >= r.ScoreThreshold {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}
