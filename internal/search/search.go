// Package search offers full-text issue search over Meilisearch with a
// PostgreSQL fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterProjectID string
	Limit           int
	Offset          int
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

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
}
