package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestShouldSearch(t *testing.T) {
	tests := []struct {
		question string
		want     bool
	}{
		{"What is the latest Go release?", true},
		{"Any news about the election?", true},
		{"how to install sqlite on debian", true},
		{"Can you recommend a text editor?", true},
		{"What time is it now?", true},
		{"What happened in the past week?", true},
		{"Do you know Go?", false},
		{"Paste this snippet for me", false},
		{"What is a goroutine?", false},
		{"Explain pointers to me", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ShouldSearch(tt.question); got != tt.want {
			t.Errorf("ShouldSearch(%q): got %v, want %v", tt.question, got, tt.want)
		}
	}
}

func TestFormatResults(t *testing.T) {
	if got := FormatResults(nil); got != "" {
		t.Errorf("FormatResults(nil): got %q, want empty", got)
	}

	got := FormatResults([]Result{
		{Title: "Go 1.25", Content: "released in August"},
		{Title: "SQLite", Content: "small fast reliable"},
	})
	want := "[Web search results]:\n• Go 1.25: released in August\n• SQLite: small fast reliable"
	if got != want {
		t.Errorf("FormatResults: got %q, want %q", got, want)
	}
}

const searchPage = `<html><body>
<div class="result">
  <a class="result__a" href="#">First title</a>
  <a class="result__snippet">first snippet</a>
</div>
<div class="result">
  <a class="result__a" href="#">Second title</a>
  <a class="result__snippet">second snippet</a>
</div>
<div class="result">
  <a class="result__a" href="#">3</a><a class="result__snippet">s3</a>
</div>
<div class="result">
  <a class="result__a" href="#">4</a><a class="result__snippet">s4</a>
</div>
<div class="result">
  <a class="result__a" href="#">5</a><a class="result__snippet">s5</a>
</div>
<div class="result">
  <a class="result__a" href="#">6</a><a class="result__snippet">s6</a>
</div>
</body></html>`

func newTestSearcher(t *testing.T, hits *int32) *DuckDuckGo {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Write([]byte(searchPage))
	}))
	t.Cleanup(srv.Close)

	d := NewDuckDuckGo()
	d.BaseURL = srv.URL + "/"
	return d
}

func TestDuckDuckGo_Query(t *testing.T) {
	var hits int32
	d := newTestSearcher(t, &hits)

	results, err := d.Query(context.Background(), "latest go release")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("results: got %d, want 5 (capped)", len(results))
	}
	if results[0].Title != "First title" {
		t.Errorf("title: got %q, want %q", results[0].Title, "First title")
	}
	if results[0].Content != "first snippet" {
		t.Errorf("content: got %q, want %q", results[0].Content, "first snippet")
	}
}

func TestDuckDuckGo_QueryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.BaseURL = srv.URL + "/"

	if _, err := d.Query(context.Background(), "q"); err == nil {
		t.Fatalf("Query: expected error on 500")
	}
}

func TestCached_QueryHitsNetworkOnce(t *testing.T) {
	var hits int32
	d := newTestSearcher(t, &hits)

	cached, err := NewCached(d)
	if err != nil {
		t.Fatalf("NewCached failed: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Query(ctx, "latest go release")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	second, err := cached.Query(ctx, "latest go release")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("network hits: got %d, want 1", got)
	}
	if len(first) != len(second) {
		t.Errorf("cached results differ: %d vs %d", len(first), len(second))
	}

	// A different query string misses the cache.
	if _, err := cached.Query(ctx, "different query"); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("network hits: got %d, want 2", got)
	}
}

func TestTruncateContent(t *testing.T) {
	long := strings.Repeat("x", maxSnippetLen+100)
	if got := len(truncateContent(long)); got != maxSnippetLen {
		t.Errorf("truncated length: got %d, want %d", got, maxSnippetLen)
	}
	if got := truncateContent("short"); got != "short" {
		t.Errorf("short content modified: %q", got)
	}
}
