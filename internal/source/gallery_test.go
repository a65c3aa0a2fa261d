package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
)

const listingPage1 = `<html><body>
<div class="post" data-id="101" data-score="42" data-tags="elf archer forest">
  <a href="/post/101"><img src="/thumb/101.jpg" alt="Forest archer"></a>
</div>
<div class="post" data-id="102" data-score="7" data-tags="robot">
  <a href="/post/102"><img data-src="/thumb/102.jpg"></a>
</div>
<div class="post" data-id="103"><span>no link</span></div>
<a rel="next" href="/posts?page=2">next</a>
</body></html>`

const listingPage2 = `<html><body>
<div class="post" data-id="201" data-score="13" data-tags="knight">
  <a href="https://cdn.example/post/201"><img src="https://cdn.example/thumb/201.jpg"></a>
</div>
</body></html>`

func postPage(id, imageURL string) string {
	para := strings.Repeat("The character wanders the old forest paths at dusk, bow in hand, listening for the wind. ", 8)
	return fmt.Sprintf(`<html><head>
<title>Post %s</title>
<meta property="og:title" content="Character %s">
<meta property="og:image" content="%s">
</head><body><article><h1>Character %s</h1><p>%s</p><p>%s</p></article></body></html>`, id, id, imageURL, id, para, para)
}

func newGalleryServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, listingPage2)
			return
		}
		fmt.Fprint(w, listingPage1)
	})
	mux.HandleFunc("/post/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/post/")
		fmt.Fprint(w, postPage(id, srv.URL+"/full/"+id+".png"))
	})
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGallerySearcher_ParsesListing(t *testing.T) {
	srv, _ := newGalleryServer(t)
	g := NewGallerySearcher(srv.URL, srv.Client(), false, nil)

	page, err := g.Search(context.Background(), Query{Keywords: []string{"elf"}, SafetyTier: model.TierSFW}, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(page.Results))
	}

	first := page.Results[0]
	if first.SourceURL != srv.URL+"/post/101" {
		t.Errorf("SourceURL = %q", first.SourceURL)
	}
	if first.ImageURL != srv.URL+"/thumb/101.jpg" {
		t.Errorf("ImageURL = %q", first.ImageURL)
	}
	if first.ExternalID != "101" || first.Title != "Forest archer" {
		t.Errorf("ExternalID = %q, Title = %q", first.ExternalID, first.Title)
	}
	if first.Popularity == nil || *first.Popularity != 42 {
		t.Errorf("Popularity = %v, want 42", first.Popularity)
	}
	if strings.Join(first.Tags, ",") != "elf,archer,forest" {
		t.Errorf("Tags = %v", first.Tags)
	}
	if page.Results[1].ImageURL != srv.URL+"/thumb/102.jpg" {
		t.Errorf("data-src ImageURL = %q", page.Results[1].ImageURL)
	}
	if page.NextPageToken != srv.URL+"/posts?page=2" {
		t.Errorf("NextPageToken = %q", page.NextPageToken)
	}

	page2, err := g.Search(context.Background(), Query{}, page.NextPageToken)
	if err != nil {
		t.Fatalf("Search page 2: %v", err)
	}
	if len(page2.Results) != 1 || page2.NextPageToken != "" {
		t.Errorf("page 2 = %+v", page2)
	}
}

func TestGallerySearcher_ResolvesPostImage(t *testing.T) {
	srv, hits := newGalleryServer(t)
	g := NewGallerySearcher(srv.URL, srv.Client(), true, nil)
	ctx := context.Background()

	page, err := g.Search(ctx, Query{Keywords: []string{"elf"}}, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits after Search = %d, want 1 (listing only)", hits.Load())
	}

	first, err := g.Resolve(ctx, page.Results[0])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.ImageURL != srv.URL+"/full/101.png" {
		t.Errorf("ImageURL = %q, want lead image", first.ImageURL)
	}
	second, err := g.Resolve(ctx, page.Results[1])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.Title == "" {
		t.Error("Title should be filled from the post page")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3 (listing + 2 posts)", hits.Load())
	}
}

func TestGallerySearcher_ResolveDisabled(t *testing.T) {
	srv, hits := newGalleryServer(t)
	g := NewGallerySearcher(srv.URL, srv.Client(), false, nil)

	r := Result{SourceURL: srv.URL + "/post/101", ImageURL: srv.URL + "/thumb/101.jpg"}
	got, err := g.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ImageURL != r.ImageURL || hits.Load() != 0 {
		t.Errorf("ImageURL = %q hits = %d, want thumbnail and no request", got.ImageURL, hits.Load())
	}
}

func TestFetchCandidates_ResolvesOnlyStoredResults(t *testing.T) {
	const remote = "https://cdn.example/post/201"
	tests := []struct {
		name          string
		known         []string
		minPopularity float64
		wantNew       int
		wantPostHits  int32
	}{
		{"known and unpopular posts are not fetched", []string{"/post/101", remote}, 10, 0, 0},
		{"new posts are fetched", []string{remote}, 0, 2, 2},
		{"known post is skipped", []string{"/post/101", remote}, 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newGalleryServer(t)
			var postHits atomic.Int32
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				if strings.HasPrefix(r.URL.Path, "/post/") {
					postHits.Add(1)
				}
				return http.DefaultTransport.RoundTrip(r)
			})}

			var known []string
			for _, u := range tt.known {
				if strings.HasPrefix(u, "/") {
					u = srv.URL + u
				}
				known = append(known, u)
			}
			c := NewClient(NewGallerySearcher(srv.URL, client, true, nil), newMemStore(known...), nil,
				WithRetryPolicy(fastPolicy()))

			got, err := c.FetchCandidates(context.Background(), Query{Keywords: []string{"elf"}, MinPopularity: tt.minPopularity}, 10)
			if err != nil {
				t.Fatalf("FetchCandidates: %v", err)
			}
			if len(got) != tt.wantNew {
				t.Errorf("new = %d, want %d", len(got), tt.wantNew)
			}
			if postHits.Load() != tt.wantPostHits {
				t.Errorf("post page requests = %d, want %d", postHits.Load(), tt.wantPostHits)
			}
			for _, cand := range got {
				if !strings.Contains(cand.ImageURL, "/full/") {
					t.Errorf("%s ImageURL = %q, want resolved", cand.SourceURL, cand.ImageURL)
				}
			}
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestGallerySearcher_PostPagesCountAgainstQuota(t *testing.T) {
	srv, hits := newGalleryServer(t)
	quota := NewQuota(2, nil, nil)
	client := NewHTTPClient(5*time.Second, quota, nil)
	c := NewClient(NewGallerySearcher(srv.URL, client, true, nil), newMemStore(), quota, WithRetryPolicy(fastPolicy()))

	got, err := c.FetchCandidates(context.Background(), Query{Keywords: []string{"elf"}}, 10)
	if !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if len(got) != 2 {
		t.Errorf("found = %d, want 2", len(got))
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if got[0].ImageURL != srv.URL+"/full/101.png" {
		t.Errorf("first ImageURL = %q, want resolved", got[0].ImageURL)
	}
	if got[1].ImageURL != srv.URL+"/thumb/102.jpg" {
		t.Errorf("second ImageURL = %q, want thumbnail", got[1].ImageURL)
	}
}
