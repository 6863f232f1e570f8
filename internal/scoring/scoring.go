// Package scoring asks a language model to grade a submission and turns its answer into points.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/contestboard/internal/errors"
)

const (
	DefaultURL     = "http://localhost:11434/api/generate"
	DefaultModel   = "phi:latest"
	DefaultTimeout = 60 * time.Second
)

// Scorer grades one submission. The result is always within [0, maxPoints]; a failure means the
// submission has no score.
type Scorer interface {
	Score(ctx context.Context, challengeTitle, text string, maxPoints int64) (int64, error)
}

type Config struct {
	URL        string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to an Ollama style /api/generate endpoint with streaming disabled.
type Client struct {
	url   string
	model string
	hc    *http.Client
}

func NewClient(c Config) *Client {
	cl := &Client{
		url:   c.URL,
		model: c.Model,
		hc:    c.HTTPClient,
	}

	if cl.url == "" {
		cl.url = DefaultURL
	}
	if cl.model == "" {
		cl.model = DefaultModel
	}
	if cl.hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		cl.hc = &http.Client{Timeout: timeout}
	}

	return cl
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) Score(ctx context.Context, challengeTitle, text string, maxPoints int64) (int64, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt(challengeTitle, text, maxPoints),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, errors.Unavailable(fmt.Errorf("scoring request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, errors.Unavailable(fmt.Errorf("scoring request: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.Unavailable(fmt.Errorf("decode scoring response: %w", err))
	}

	points, err := ParseScore(out.Response, maxPoints)
	if err != nil {
		slog.WarnContext(ctx, "scoring: unusable model answer", "answer", truncate(out.Response, 200), "error", err)
		return 0, errors.Unavailable(err)
	}

	return points, nil
}

func prompt(title, text string, maxPoints int64) string {
	return fmt.Sprintf("Evaluate this submission for the challenge %q.\n"+
		"Submission: %s\n"+
		"Max Points: %d\n"+
		"Return only a number between 0 and %d representing the score.",
		title, text, maxPoints, maxPoints)
}

var number = regexp.MustCompile(`-?\d+(\.\d+)?`)

// ParseScore takes the first number in a model answer, rounds it half away from zero and clamps it
// to [0, maxPoints]. An answer without any number is an error rather than a zero score.
func ParseScore(answer string, maxPoints int64) (int64, error) {
	m := number.FindString(answer)
	if m == "" {
		return 0, fmt.Errorf("no score in answer")
	}

	d, err := decimal.NewFromString(m)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", m, err)
	}

	d = d.Round(0)
	switch {
	case d.IsNegative():
		return 0, nil
	case d.GreaterThan(decimal.NewFromInt(maxPoints)):
		return maxPoints, nil
	}

	return d.IntPart(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
