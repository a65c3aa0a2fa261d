package source

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// StubSearcher returns deterministic fake results for local runs without a source.
type StubSearcher struct {
	// Pages is the number of result pages served per query.
	Pages int
	// PerPage is the number of results per page.
	PerPage int
}

// Platform identifies the searcher on stored candidates.
func (s *StubSearcher) Platform() string {
	return "stub"
}

// Search returns page pageToken (0-based, empty means the first) of fake results.
func (s *StubSearcher) Search(_ context.Context, q Query, pageToken string) (Page, error) {
	pages, perPage := s.Pages, s.PerPage
	if pages <= 0 {
		pages = 2
	}
	if perPage <= 0 {
		perPage = 10
	}
	n := 0
	if pageToken != "" {
		var err error
		if n, err = strconv.Atoi(pageToken); err != nil {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
	}

	slug := strings.Join(q.Keywords, "-")
	if slug == "" {
		slug = "any"
	}
	var page Page
	for i := 0; i < perPage; i++ {
		id := fmt.Sprintf("%s-%d-%d", slug, n, i)
		pop := float64(stubScore(id) % 500)
		page.Results = append(page.Results, Result{
			SourceURL:  "https://stub.local/post/" + id,
			ImageURL:   "https://stub.local/img/" + id + ".png",
			ExternalID: id,
			Title:      "Stub character " + id,
			Tags:       append([]string{"stub"}, q.Keywords...),
			Popularity: &pop,
		})
	}
	if n+1 < pages {
		page.NextPageToken = strconv.Itoa(n + 1)
	}
	return page, nil
}

func stubScore(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
