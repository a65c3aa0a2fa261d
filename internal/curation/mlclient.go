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

// MLClient talks to a JSON inference service exposing /classify, /score and
// /attributes. Every endpoint takes {"image_url": ...}.
type MLClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var (
	_ Classifier         = (*MLClient)(nil)
	_ Scorer             = (*MLClient)(nil)
	_ AttributeExtractor = (*MLClient)(nil)
)

// NewMLClient creates a reusable inference client.
func NewMLClient(endpoint, apiKey string) *MLClient {
	return &MLClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type imagePayload struct {
	ImageURL string `json:"image_url"`
}

// Classify requests the content-safety classification.
func (c *MLClient) Classify(ctx context.Context, imageRef string) (Classification, error) {
	var out Classification
	if err := c.post(ctx, "/classify", imagePayload{ImageURL: imageRef}, &out); err != nil {
		return Classification{}, err
	}
	return out, nil
}

// Score requests the composite quality score.
func (c *MLClient) Score(ctx context.Context, imageRef string) (QualityScore, error) {
	var out QualityScore
	if err := c.post(ctx, "/score", imagePayload{ImageURL: imageRef}, &out); err != nil {
		return QualityScore{}, err
	}
	return out, nil
}

// ExtractAttributes requests gender, species and style.
func (c *MLClient) ExtractAttributes(ctx context.Context, imageRef string) (model.Attributes, error) {
	var resp struct {
		Gender  string `json:"gender"`
		Species string `json:"species"`
		Style   string `json:"style"`
	}
	if err := c.post(ctx, "/attributes", imagePayload{ImageURL: imageRef}, &resp); err != nil {
		return model.Attributes{}, err
	}
	return model.ParseAttributes(resp.Gender, resp.Species, resp.Style), nil
}

func (c *MLClient) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return retry.HTTPStatus(resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

