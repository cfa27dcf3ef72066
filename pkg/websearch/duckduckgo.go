package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const defaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo queries the DuckDuckGo HTML endpoint and scrapes ranked
// result snippets. It needs no API key.
type DuckDuckGo struct {
	BaseURL string
	client  *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo searcher with a sane timeout.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		BaseURL: defaultDuckDuckGoURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Query fetches up to maxResults snippets for the text.
func (d *DuckDuckGo) Query(ctx context.Context, text string) ([]Result, error) {
	endpoint := d.BaseURL + "?q=" + url.QueryEscape(text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ModelForge/1.0)")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find(".result__a").First().Text())
		snippet := strings.TrimSpace(sel.Find(".result__snippet").First().Text())
		if title == "" {
			return true
		}
		results = append(results, Result{
			Title:   title,
			Content: truncateContent(snippet),
		})
		return len(results) < maxResults
	})

	return results, nil
}
