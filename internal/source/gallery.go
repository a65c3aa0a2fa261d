package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/yangwenmai/charseed/internal/retry"
)

// GallerySearcher scrapes an HTML gallery. Listing pages carry one `.post` element
// per image with data-id, data-score and data-tags attributes, a thumbnail `img`
// and a link to the post page; `a[rel=next]` points at the next listing page.
type GallerySearcher struct {
	baseURL          string
	client           *http.Client
	resolvePostImage bool
	logger           *slog.Logger
}

// NewGallerySearcher creates a gallery scraper. With resolvePostImage set, Resolve
// fetches the post page and its lead image replaces the listing thumbnail.
func NewGallerySearcher(baseURL string, client *http.Client, resolvePostImage bool, logger *slog.Logger) *GallerySearcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GallerySearcher{
		baseURL:          strings.TrimRight(baseURL, "/"),
		client:           client,
		resolvePostImage: resolvePostImage,
		logger:           logger,
	}
}

// Platform identifies the searcher on stored candidates.
func (g *GallerySearcher) Platform() string {
	return "gallery"
}

// Search scrapes one listing page. The page token is the absolute URL of the page.
func (g *GallerySearcher) Search(ctx context.Context, q Query, pageToken string) (Page, error) {
	pageURL := pageToken
	if pageURL == "" {
		pageURL = g.listingURL(q)
	}

	doc, base, err := g.fetchDocument(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}

	var page Page
	doc.Find(".post").Each(func(i int, sel *goquery.Selection) {
		if r, ok := parsePost(sel, base); ok {
			page.Results = append(page.Results, r)
		}
	})
	if href, ok := doc.Find("a[rel=next]").First().Attr("href"); ok {
		page.NextPageToken = resolveURL(base, href)
	}
	g.logger.Debug("listing page parsed", "url", pageURL, "posts", len(page.Results))
	return page, nil
}

func (g *GallerySearcher) listingURL(q Query) string {
	params := url.Values{}
	params.Set("tags", strings.Join(q.Keywords, " "))
	if q.SafetyTier != "" {
		params.Set("rating", string(q.SafetyTier))
	}
	return g.baseURL + "/posts?" + params.Encode()
}

func (g *GallerySearcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, retry.Permanent(fmt.Errorf("invalid page url %s: %w", pageURL, err))
	}
	body, err := g.get(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, base, nil
}

func (g *GallerySearcher) get(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", "charseed/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.HTTPStatus(resp.StatusCode, string(body))
	}
	return body, nil
}

// Resolve swaps the thumbnail for the lead image of the post page and fills a
// missing title. It is a no-op unless post image resolution is enabled.
func (g *GallerySearcher) Resolve(ctx context.Context, r Result) (Result, error) {
	if !g.resolvePostImage {
		return r, nil
	}
	article, err := g.fetchArticle(ctx, r.SourceURL)
	if err != nil {
		return r, err
	}
	if article.Image != "" {
		r.ImageURL = article.Image
	}
	if r.Title == "" {
		r.Title = strings.TrimSpace(article.Title)
	}
	return r, nil
}

func (g *GallerySearcher) fetchArticle(ctx context.Context, postURL string) (readability.Article, error) {
	parsed, err := url.Parse(postURL)
	if err != nil {
		return readability.Article{}, err
	}
	body, err := g.get(ctx, postURL)
	if err != nil {
		return readability.Article{}, err
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return readability.Article{}, fmt.Errorf("readability: %w", err)
	}
	return article, nil
}

func parsePost(sel *goquery.Selection, base *url.URL) (Result, bool) {
	link, ok := sel.Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(link) == "" {
		return Result{}, false
	}
	r := Result{
		SourceURL:  resolveURL(base, link),
		ExternalID: strings.TrimSpace(sel.AttrOr("data-id", "")),
		Tags:       strings.Fields(sel.AttrOr("data-tags", "")),
	}

	img := sel.Find("img").First()
	src := img.AttrOr("data-src", "")
	if src == "" {
		src = img.AttrOr("src", "")
	}
	if src != "" {
		r.ImageURL = resolveURL(base, src)
	}
	r.Title = strings.TrimSpace(img.AttrOr("alt", ""))

	if score, err := strconv.ParseFloat(strings.TrimSpace(sel.AttrOr("data-score", "")), 64); err == nil {
		r.Popularity = &score
	}
	return r, true
}

func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
