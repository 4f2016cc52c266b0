package store

import (
	"encoding/json"
	"time"
)

// CommitKind tags a commit structurally instead of inferring it from
// message substrings.
type CommitKind string

const (
	CommitInitial CommitKind = "initial"
	CommitNormal  CommitKind = "normal"
	CommitMerge   CommitKind = "merge"
)

type Presentation struct {
	ID        string
	Name      string
	OwnerID   string
	SourceKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Branch struct {
	ID             string
	PresentationID string
	Name           string
	Description    string
	IsDefault      bool
	CreatedAt      time.Time
}

type Commit struct {
	ID         string
	BranchID   string
	Message    string
	AuthorID   string
	Kind       CommitKind
	ArchiveRef string
	CreatedAt  time.Time
}

// Slide is one content unit under a commit. Content carries the structured
// element list; XMLContent carries the raw presentation markup. Slides have
// no identity across commits beyond their SlideNumber.
type Slide struct {
	ID          string
	CommitID    string
	SlideNumber int
	Title       string
	Content     json.RawMessage
	XMLContent  string
}

// SlideDiff is a cached diff computation between two slides of different
// commits. Hunks holds the serialized unified-diff form, Elements the
// structured element-level form.
type SlideDiff struct {
	ID             string
	BaseSlideID    string
	CompareSlideID string
	Hunks          json.RawMessage
	Elements       json.RawMessage
	CreatedAt      time.Time
}

type Comment struct {
	ID        string
	SlideID   string
	UserID    *string
	ParentID  *string
	Message   string
	Resolved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is a time-bounded share token. CommitID == nil means "latest
// commit of the default branch at view time", resolved on every read.
type Snapshot struct {
	ID             string
	PresentationID string
	CommitID       *string
	SlideID        string
	CustomTitle    string
	PasswordHash   *string
	AccessCount    int
	LastAccessedAt *time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

type AccessGrant struct {
	ID             string
	PresentationID string
	UserID         string
	Role           string
	GrantedAt      time.Time
}
