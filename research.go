package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	// researchTimeout bounds each citation fetch.
	researchTimeout = 30 * time.Second

	// maxExcerptLen caps how much page text is carried into prompts.
	maxExcerptLen = 2000
)

// FetchCitation retrieves a web page and extracts a citation (title plus a
// trimmed text excerpt) for use as retrieval context in generation prompts.
func FetchCitation(ctx context.Context, url string) (*Citation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "LLM-Debate-Arena-Research/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	client := &http.Client{Timeout: researchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = url
	}

	// Prefer article/main content; fall back to all paragraphs.
	var paragraphs []string
	scope := doc.Find("article p, main p")
	if scope.Length() == 0 {
		scope = doc.Find("p")
	}
	scope.Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if len(text) > 40 {
			paragraphs = append(paragraphs, text)
		}
	})

	excerpt := truncateOnRuneBoundary(strings.Join(paragraphs, "\n"), maxExcerptLen)
	if excerpt == "" {
		return nil, fmt.Errorf("no usable text content at %s", url)
	}

	return &Citation{URL: url, Title: title, Excerpt: excerpt}, nil
}

// truncateOnRuneBoundary shortens s to at most max bytes without splitting a
// multi-byte rune, appending an ellipsis when it trims.
func truncateOnRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
