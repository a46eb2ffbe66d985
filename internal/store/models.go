package store

import "time"

// Page is the database record for a wiki page. Content lives in the git
// repository; the row carries metadata the API lists and searches over.
type Page struct {
	Path      string
	Kind      string
	UpdatedBy string
	UpdatedAt time.Time
}

// Thread is a named working branch of the wiki. An open thread accepts page
// commits; merging it lands its pages on main and closes it.
type Thread struct {
	ID        string
	Name      string
	Status    string
	CreatedBy string
	CreatedAt time.Time
	MergedAt  *time.Time
}

const (
	ThreadOpen   = "open"
	ThreadMerged = "merged"
)
