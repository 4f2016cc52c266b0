package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPresentation ResultType = "presentation"
	ResultComment      ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	PresentationID string     `json:"presentationId"`
	SlideID        string     `json:"slideId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text                 string
	FilterType           ResultType // empty = all types
	FilterPresentationID string
	Limit                int
	Offset               int
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

// PresentationRecord is the data we index for a presentation.
type PresentationRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID             string `json:"id"`
	Message        string `json:"message"`
	SlideID        string `json:"slideId"`
	PresentationID string `json:"presentationId"`
	Resolved       bool   `json:"resolved"`
}
