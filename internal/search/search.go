package search

import "time"

// Query describes a full-text search over an account's synced documents.
type Query struct {
	AccountID  string
	Text       string
	Collection string // empty = all collections
	Limit      int
	Offset     int
}

// Result is a single search hit.
type Result struct {
	Collection  string    `json:"collection"`
	DocumentID  string    `json:"documentId"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	SyncVersion int64     `json:"syncVersion"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
