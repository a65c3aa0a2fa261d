package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yangwenmai/charseed/internal/retry"
)

const (
	defaultBackoff = 2 * time.Second
	// maxBodySize is the maximum HTTP response body size (5MB).
	maxBodySize = 5 * 1024 * 1024
)

// APISearcher queries a JSON search API:
//
//	GET {base}/search?q=&min_popularity=&safety=&page_token=&limit=
type APISearcher struct {
	baseURL  string
	apiKey   string
	pageSize int
	client   *http.Client
}

// NewAPISearcher creates a searcher for a JSON search API. client should come from
// NewHTTPClient so requests are metered.
func NewAPISearcher(baseURL, apiKey string, pageSize int, client *http.Client) *APISearcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &APISearcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		pageSize: pageSize,
		client:   client,
	}
}

// Platform identifies the searcher on stored candidates.
func (s *APISearcher) Platform() string {
	return "api"
}

type searchResponse struct {
	Results []struct {
		ID         string   `json:"id"`
		URL        string   `json:"url"`
		ImageURL   string   `json:"image_url"`
		Title      string   `json:"title"`
		Tags       []string `json:"tags"`
		Popularity *float64 `json:"popularity"`
	} `json:"results"`
	NextPageToken string `json:"next_page_token"`
}

// Search fetches one result page.
func (s *APISearcher) Search(ctx context.Context, q Query, pageToken string) (Page, error) {
	params := url.Values{}
	params.Set("q", q.String())
	params.Set("limit", strconv.Itoa(s.pageSize))
	if q.MinPopularity > 0 {
		params.Set("min_popularity", strconv.FormatFloat(q.MinPopularity, 'f', -1, 64))
	}
	if q.SafetyTier != "" {
		params.Set("safety", string(q.SafetyTier))
	}
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return Page{}, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Page{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, retry.HTTPStatus(resp.StatusCode, string(body))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Page{}, fmt.Errorf("decode search response: %w", err)
	}

	page := Page{NextPageToken: sr.NextPageToken, Results: make([]Result, 0, len(sr.Results))}
	for _, r := range sr.Results {
		page.Results = append(page.Results, Result{
			SourceURL:  r.URL,
			ImageURL:   r.ImageURL,
			ExternalID: r.ID,
			Title:      r.Title,
			Tags:       r.Tags,
			Popularity: r.Popularity,
		})
	}
	return page, nil
}
