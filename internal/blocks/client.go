package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAIServiceURL is used when no AI service URL is configured.
const DefaultAIServiceURL = "http://localhost:3004"

const defaultAITimeout = 60 * time.Second

// maxErrorBody caps how much of a failed response ends up in an error.
const maxErrorBody = 512

// AIClient calls the AI service over JSON/HTTP.
type AIClient struct {
	baseURL string
	http    *http.Client
}

// AIOption customizes an AIClient.
type AIOption func(*AIClient)

// WithHTTPClient replaces the default HTTP client (60s timeout).
func WithHTTPClient(hc *http.Client) AIOption {
	return func(c *AIClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewAIClient returns a client for the service at baseURL. An empty
// baseURL means DefaultAIServiceURL.
func NewAIClient(baseURL string, opts ...AIOption) *AIClient {
	if baseURL == "" {
		baseURL = DefaultAIServiceURL
	}
	c := &AIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultAITimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root the client posts to.
func (c *AIClient) BaseURL() string { return c.baseURL }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ai service %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("ai service %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// post sends body as JSON to path and decodes the response into out.
func (c *AIClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ai service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type SummarizeRequest struct {
	Text      string `json:"text"`
	Style     string `json:"style"`
	MaxLength *int   `json:"max_length,omitempty"`
	Model     string `json:"model"`
}

type QuestionsRequest struct {
	Text         string `json:"text"`
	QuestionType string `json:"question_type"`
	Difficulty   string `json:"difficulty"`
	Count        int    `json:"count"`
	Model        string `json:"model"`
}

type FlashcardsRequest struct {
	Text               string `json:"text"`
	MaxCards           int    `json:"max_cards"`
	IncludeDefinitions bool   `json:"include_definitions"`
	Model              string `json:"model"`
}

// Summarize calls POST /summarize.
func (c *AIClient) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.post(ctx, "/summarize", req, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// GenerateQuestions calls POST /generate-questions.
func (c *AIClient) GenerateQuestions(ctx context.Context, req QuestionsRequest) ([]any, error) {
	var resp struct {
		Questions []any `json:"questions"`
	}
	if err := c.post(ctx, "/generate-questions", req, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// GenerateFlashcards calls POST /generate-flashcards.
func (c *AIClient) GenerateFlashcards(ctx context.Context, req FlashcardsRequest) ([]any, error) {
	var resp struct {
		Flashcards []any `json:"flashcards"`
	}
	if err := c.post(ctx, "/generate-flashcards", req, &resp); err != nil {
		return nil, err
	}
	return resp.Flashcards, nil
}
