package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// Curated is what curation learned about a candidate, handed to the generator.
type Curated struct {
	Title      string           `json:"title,omitempty"`
	Tags       []string         `json:"tags"`
	SafetyTier model.SafetyTier `json:"safety_tier"`
	AgeRating  model.AgeRating  `json:"age_rating"`
	model.Attributes
}

// CuratedFrom extracts the generation input of a candidate.
func CuratedFrom(c model.Candidate) Curated {
	return Curated{
		Title:      c.Title,
		Tags:       c.Tags,
		SafetyTier: c.SafetyTier,
		AgeRating:  c.AgeRating,
		Attributes: c.Attributes,
	}
}

// Generator turns an approved image into a catalog entry and returns the entry ID.
// Calls are slow and fail often.
type Generator interface {
	GenerateEntry(ctx context.Context, imageRef string, attrs Curated) (string, error)
}

// HTTPGenerator calls an entry-generation service: POST {endpoint}/entries.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ Generator = (*HTTPGenerator)(nil)

// NewHTTPGenerator creates a generation client. Per-call deadlines come from the
// caller's context.
func NewHTTPGenerator(endpoint, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{},
	}
}

type generateRequest struct {
	ImageURL string `json:"image_url"`
	Curated
}

type generateResponse struct {
	EntryID string `json:"entry_id"`
}

// GenerateEntry requests a new catalog entry for imageRef.
func (g *HTTPGenerator) GenerateEntry(ctx context.Context, imageRef string, attrs Curated) (string, error) {
	body, err := json.Marshal(generateRequest{ImageURL: imageRef, Curated: attrs})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/entries", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", retry.HTTPStatus(resp.StatusCode, string(msg))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.EntryID == "" {
		return "", fmt.Errorf("response has no entry_id")
	}
	return out.EntryID, nil
}

// StubGenerator returns fresh entry IDs after an optional delay. It is used when
// no generation endpoint is configured.
type StubGenerator struct {
	Delay time.Duration
}

var _ Generator = StubGenerator{}

func (s StubGenerator) GenerateEntry(ctx context.Context, _ string, _ Curated) (string, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	return "stub-" + uuid.NewString(), nil
}
