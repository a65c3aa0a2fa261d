package curation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// OpenAIClient implements the classifier, scorer and attribute extractor with a
// vision-capable model behind the OpenAI Chat Completions API. It also works with
// any OpenAI-compatible service by setting a custom base URL.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var (
	_ Classifier         = (*OpenAIClient)(nil)
	_ Scorer             = (*OpenAIClient)(nil)
	_ AttributeExtractor = (*OpenAIClient)(nil)
)

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithModel sets the model name (default: gpt-4o-mini).
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithBaseURL overrides the API endpoint (default: https://api.openai.com/v1).
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// NewOpenAIClient creates a new OpenAI vision client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		model:   "gpt-4o-mini",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify asks the model for the safety tier and content categories.
func (c *OpenAIClient) Classify(ctx context.Context, imageRef string) (Classification, error) {
	var out Classification
	if err := c.ask(ctx, classifyPrompt, imageRef, &out); err != nil {
		return Classification{}, err
	}
	return out, nil
}

// Score asks the model for a 0–10 quality score.
func (c *OpenAIClient) Score(ctx context.Context, imageRef string) (QualityScore, error) {
	var resp struct {
		Composition float64 `json:"composition"`
		Clarity     float64 `json:"clarity"`
		Technical   float64 `json:"technical"`
		Score       float64 `json:"score"`
	}
	if err := c.ask(ctx, scorePrompt, imageRef, &resp); err != nil {
		return QualityScore{}, err
	}
	return QualityScore{
		Composite: resp.Score,
		Subscores: map[string]float64{
			"composition": resp.Composition,
			"clarity":     resp.Clarity,
			"technical":   resp.Technical,
		},
	}, nil
}

// ExtractAttributes asks the model for gender, species and style.
func (c *OpenAIClient) ExtractAttributes(ctx context.Context, imageRef string) (model.Attributes, error) {
	var resp struct {
		Gender  string `json:"gender"`
		Species string `json:"species"`
		Style   string `json:"style"`
	}
	if err := c.ask(ctx, attributesPrompt, imageRef, &resp); err != nil {
		return model.Attributes{}, err
	}
	return model.ParseAttributes(resp.Gender, resp.Species, resp.Style), nil
}

// ask sends the prompt with the image and decodes the JSON answer into v.
func (c *OpenAIClient) ask(ctx context.Context, prompt, imageRef string, v any) error {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: imageRef}},
			},
		}},
		Temperature: 0,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	text, err := c.doRequest(ctx, body)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if err := json.Unmarshal([]byte(stripFences(text)), v); err != nil {
		return fmt.Errorf("openai: decode answer: %w", err)
	}
	return nil
}

func (c *OpenAIClient) doRequest(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", retry.HTTPStatus(resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("api error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// stripFences removes a surrounding markdown code fence some models add around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
