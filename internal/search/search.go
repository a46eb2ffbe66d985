// Package search indexes wiki pages for full-text lookup. Meilisearch is the
// primary engine; when it is absent or down we fall back to a Postgres path
// match so the endpoint still answers.
package search

import "strings"

// Result is a single search hit returned to the caller.
type Result struct {
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	UpdatedBy string `json:"updatedBy"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Kind   string // empty = all kinds
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for a page.
type PageRecord struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	UpdatedBy string `json:"updatedBy"`
}

// RecordID turns a page path into a Meilisearch-safe document id.
func RecordID(path string) string {
	var b strings.Builder
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}

// TitleOf derives a display title from a page path: the file name without its
// extension.
func TitleOf(path string) string {
	name := path
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}
