package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"peerdiffx/api/internal/auth"
	"peerdiffx/api/internal/config"
	"peerdiffx/api/internal/deck"
	"peerdiffx/api/internal/diff"
	"peerdiffx/api/internal/export"
	"peerdiffx/api/internal/rbac"
	"peerdiffx/api/internal/search"
	"peerdiffx/api/internal/store"
	"peerdiffx/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// SlideInput is one slide supplied with a commit or presentation upload.
type SlideInput struct {
	SlideNumber int             `json:"slideNumber"`
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	XMLContent  string          `json:"xmlContent"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	ListPresentations(context.Context) ([]store.Presentation, error)
	GetPresentation(context.Context, string) (store.Presentation, error)
	InsertPresentation(context.Context, store.Presentation) error
	SetPresentationSource(context.Context, string, string) error
	DeletePresentationCascade(context.Context, string) error
	ListBranches(context.Context, string) ([]store.Branch, error)
	GetBranch(context.Context, string) (store.Branch, error)
	InsertBranch(context.Context, store.Branch) error
	FindDefaultBranch(context.Context, string) (store.Branch, error)
	BranchCount(context.Context, string) (int, error)
	ListCommits(context.Context, string) ([]store.Commit, error)
	GetCommit(context.Context, string) (store.Commit, error)
	LatestCommit(context.Context, string) (*store.Commit, error)
	InsertCommitWithSlides(context.Context, store.Commit, []store.Slide) error
	ListSlides(context.Context, string) ([]store.Slide, error)
	GetSlide(context.Context, string) (store.Slide, error)
	GetSlideByNumber(context.Context, string, int) (store.Slide, error)
	GetCachedDiff(context.Context, string, string) (*store.SlideDiff, error)
	SaveDiff(context.Context, store.SlideDiff) error
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	ResolveComment(context.Context, string) (bool, error)
	DeleteComment(context.Context, string) (bool, error)
	InsertSnapshot(context.Context, store.Snapshot) error
	GetSnapshot(context.Context, string) (store.Snapshot, error)
	TouchSnapshotAccess(context.Context, string) error
	UpsertAccessGrant(context.Context, store.AccessGrant) error
	AccessRole(context.Context, string, string) (string, error)
}

type deckService interface {
	EnsurePresentationRepo(string, []deck.Slide, string) (deck.CommitInfo, error)
	EnsureBranch(string, string, string) error
	CommitSlides(string, string, []deck.Slide, string, string) (deck.CommitInfo, error)
	GetSlidesByHash(string, string) ([]deck.Slide, error)
	MergeIntoBranch(string, string, string, string, string) (deck.CommitInfo, error)
}

type snapshotCache interface {
	Save(context.Context, store.Snapshot) error
	Lookup(context.Context, string) (store.Snapshot, bool, error)
	Invalidate(context.Context, string) error
}

type blobStore interface {
	PutSource(context.Context, string, io.Reader, int64) (string, error)
	GetSource(context.Context, string) (io.ReadCloser, error)
	DeleteSource(context.Context, string) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexPresentation(search.PresentationRecord)
	IndexComment(search.CommentRecord)
	DeletePresentation(string)
	DeleteComment(string)
}

type exportService interface {
	Export(export.Request, []diff.Report) (*export.Result, error)
}

const versionHistoryLimit = 3

type Service struct {
	cfg      config.Config
	store    dataStore
	deck     deckService
	search   searchService
	cache    snapshotCache
	blobs    blobStore
	exporter exportService
}

type Options struct {
	Search   searchService
	Cache    snapshotCache
	Blobs    blobStore
	Exporter exportService
}

func New(cfg config.Config, dataStore dataStore, deckSvc deckService, opts Options) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		deck:     deckSvc,
		search:   opts.Search,
		cache:    opts.Cache,
		blobs:    opts.Blobs,
		exporter: opts.Exporter,
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CanOn answers an action against a presentation, widening the token role
// with any per-presentation access grant.
func (s *Service) CanOn(ctx context.Context, session Session, presentationID string, action rbac.Action) bool {
	role := rbac.Normalize(session.Role)
	if session.UserID != "" {
		granted, err := s.store.AccessRole(ctx, presentationID, session.UserID)
		if err == nil {
			role = rbac.Widest(role, rbac.Normalize(granted))
		}
	}
	return rbac.Can(role, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Presentations

func (s *Service) ListPresentations(ctx context.Context) ([]map[string]any, error) {
	presentations, err := s.store.ListPresentations(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(presentations))
	for _, item := range presentations {
		items = append(items, presentationPayload(item))
	}
	return items, nil
}

func (s *Service) CreatePresentation(ctx context.Context, name string, slides []SlideInput, session Session) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := validateSlideInputs(slides, false); err != nil {
		return nil, err
	}

	presentation := store.Presentation{
		ID:      util.NewID("pres"),
		Name:    name,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertPresentation(ctx, presentation); err != nil {
		return nil, fmt.Errorf("insert presentation: %w", err)
	}

	branch := store.Branch{
		ID:             util.NewID("br"),
		PresentationID: presentation.ID,
		Name:           "main",
		Description:    "Default branch",
		IsDefault:      true,
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("insert default branch: %w", err)
	}

	info, err := s.deck.EnsurePresentationRepo(presentation.ID, toDeckSlides(slides), session.UserName)
	if err != nil {
		return nil, fmt.Errorf("create presentation archive: %w", err)
	}

	commit := store.Commit{
		ID:         util.NewID("c"),
		BranchID:   branch.ID,
		Message:    "Initial import",
		AuthorID:   session.UserID,
		Kind:       store.CommitInitial,
		ArchiveRef: info.Hash,
	}
	if err := s.store.InsertCommitWithSlides(ctx, commit, toStoreSlides(commit.ID, slides)); err != nil {
		return nil, fmt.Errorf("insert initial commit: %w", err)
	}

	if s.search != nil {
		s.search.IndexPresentation(search.PresentationRecord{
			ID:      presentation.ID,
			Name:    presentation.Name,
			OwnerID: presentation.OwnerID,
		})
	}

	payload := presentationPayload(presentation)
	payload["defaultBranch"] = branchPayload(branch)
	payload["initialCommit"] = commitPayload(commit)
	return payload, nil
}

func (s *Service) GetPresentation(ctx context.Context, presentationID string) (map[string]any, error) {
	presentation, err := s.store.GetPresentation(ctx, presentationID)
	if err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, presentationID)
	if err != nil {
		return nil, err
	}
	payload := presentationPayload(presentation)
	payload["branches"] = branchPayloads(branches)
	return payload, nil
}

func (s *Service) DeletePresentation(ctx context.Context, presentationID string) error {
	presentation, err := s.store.GetPresentation(ctx, presentationID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePresentationCascade(ctx, presentationID); err != nil {
		return fmt.Errorf("delete presentation: %w", err)
	}
	if s.search != nil {
		s.search.DeletePresentation(presentationID)
	}
	if s.blobs != nil && presentation.SourceKey != "" {
		_ = s.blobs.DeleteSource(ctx, presentation.SourceKey)
	}
	return nil
}

func (s *Service) UploadSource(ctx context.Context, presentationID string, body io.Reader, size int64) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Source storage not configured", nil)
	}
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}
	key, err := s.blobs.PutSource(ctx, presentationID, body, size)
	if err != nil {
		return nil, fmt.Errorf("upload source: %w", err)
	}
	if err := s.store.SetPresentationSource(ctx, presentationID, key); err != nil {
		return nil, fmt.Errorf("record source key: %w", err)
	}
	return map[string]any{"sourceKey": key}, nil
}

func (s *Service) DownloadSource(ctx context.Context, presentationID string) (io.ReadCloser, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Source storage not configured", nil)
	}
	presentation, err := s.store.GetPresentation(ctx, presentationID)
	if err != nil {
		return nil, err
	}
	if presentation.SourceKey == "" {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No source uploaded", nil)
	}
	return s.blobs.GetSource(ctx, presentation.SourceKey)
}

func (s *Service) GrantAccess(ctx context.Context, presentationID, userID, role string) (map[string]any, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if rbac.Normalize(role) != rbac.Role(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", nil)
	}
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}
	grant := store.AccessGrant{
		ID:             util.NewID("acc"),
		PresentationID: presentationID,
		UserID:         userID,
		Role:           role,
	}
	if err := s.store.UpsertAccessGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("grant access: %w", err)
	}
	return map[string]any{"presentationId": presentationID, "userId": userID, "role": role}, nil
}

// Branches

func (s *Service) ListBranches(ctx context.Context, presentationID string) ([]map[string]any, error) {
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, presentationID)
	if err != nil {
		return nil, err
	}
	return branchPayloads(branches), nil
}

func (s *Service) GetBranch(ctx context.Context, branchID string) (map[string]any, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return branchPayload(branch), nil
}

func (s *Service) DefaultBranch(ctx context.Context, presentationID string) (map[string]any, error) {
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}
	branch, err := s.store.FindDefaultBranch(ctx, presentationID)
	if err != nil {
		return nil, err
	}
	return branchPayload(branch), nil
}

func (s *Service) CreateBranch(ctx context.Context, presentationID, name, description, baseBranchID string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}

	fromName := ""
	if baseBranchID != "" {
		base, err := s.store.GetBranch(ctx, baseBranchID)
		if err != nil {
			return nil, err
		}
		if base.PresentationID != presentationID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "base branch belongs to another presentation", nil)
		}
		fromName = base.Name
	} else {
		base, err := s.store.FindDefaultBranch(ctx, presentationID)
		if err == nil {
			fromName = base.Name
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	count, err := s.store.BranchCount(ctx, presentationID)
	if err != nil {
		return nil, err
	}

	branch := store.Branch{
		ID:             util.NewID("br"),
		PresentationID: presentationID,
		Name:           name,
		Description:    description,
		IsDefault:      count == 0, // first branch becomes the default
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "a concurrent write claimed the default branch, retry", nil)
		}
		return nil, fmt.Errorf("insert branch: %w", err)
	}

	if fromName != "" {
		if err := s.deck.EnsureBranch(presentationID, name, fromName); err != nil {
			return nil, fmt.Errorf("fork archive branch: %w", err)
		}
	}
	return branchPayload(branch), nil
}

func (s *Service) MergeBranches(ctx context.Context, sourceBranchID, targetBranchID, message string, session Session) (map[string]any, error) {
	if sourceBranchID == targetBranchID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot merge a branch into itself", nil)
	}
	source, err := s.store.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetBranch(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}
	if source.PresentationID != target.PresentationID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "branches belong to different presentations", nil)
	}

	sourceHead, err := s.store.LatestCommit(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	if sourceHead == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "source branch has no commits", nil)
	}
	slides, err := s.store.ListSlides(ctx, sourceHead.ID)
	if err != nil {
		return nil, err
	}

	if message = strings.TrimSpace(message); message == "" {
		message = fmt.Sprintf("Merge %s into %s", source.Name, target.Name)
	}

	info, err := s.deck.MergeIntoBranch(source.PresentationID, source.Name, target.Name, session.UserName, message)
	if err != nil {
		return nil, fmt.Errorf("merge archive branches: %w", err)
	}

	commit := store.Commit{
		ID:         util.NewID("c"),
		BranchID:   target.ID,
		Message:    message,
		AuthorID:   session.UserID,
		Kind:       store.CommitMerge,
		ArchiveRef: info.Hash,
	}
	cloned := make([]store.Slide, 0, len(slides))
	for _, slide := range slides {
		cloned = append(cloned, store.Slide{
			ID:          util.NewID("s"),
			CommitID:    commit.ID,
			SlideNumber: slide.SlideNumber,
			Title:       slide.Title,
			Content:     slide.Content,
			XMLContent:  slide.XMLContent,
		})
	}
	if err := s.store.InsertCommitWithSlides(ctx, commit, cloned); err != nil {
		return nil, fmt.Errorf("insert merge commit: %w", err)
	}
	return commitPayload(commit), nil
}

// Commits

func (s *Service) ListCommits(ctx context.Context, branchID string) ([]map[string]any, error) {
	if _, err := s.store.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	commits, err := s.store.ListCommits(ctx, branchID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, item := range commits {
		items = append(items, commitPayload(item))
	}
	return items, nil
}

func (s *Service) GetCommit(ctx context.Context, commitID string) (map[string]any, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	return commitPayload(commit), nil
}

func (s *Service) CreateCommit(ctx context.Context, branchID, message string, slides []SlideInput, session Session) (map[string]any, error) {
	if message = strings.TrimSpace(message); message == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
	}
	if err := validateSlideInputs(slides, true); err != nil {
		return nil, err
	}
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	info, err := s.deck.CommitSlides(branch.PresentationID, branch.Name, toDeckSlides(slides), session.UserName, message)
	if err != nil {
		return nil, fmt.Errorf("commit slides to archive: %w", err)
	}

	commit := store.Commit{
		ID:         util.NewID("c"),
		BranchID:   branch.ID,
		Message:    message,
		AuthorID:   session.UserID,
		Kind:       store.CommitNormal,
		ArchiveRef: info.Hash,
	}
	if err := s.store.InsertCommitWithSlides(ctx, commit, toStoreSlides(commit.ID, slides)); err != nil {
		return nil, fmt.Errorf("insert commit: %w", err)
	}
	return commitPayload(commit), nil
}

func (s *Service) GetSlide(ctx context.Context, slideID string) (map[string]any, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		return nil, err
	}
	return slidePayload(slide), nil
}

func (s *Service) ListSlidesForCommit(ctx context.Context, commitID string) ([]map[string]any, error) {
	if _, err := s.store.GetCommit(ctx, commitID); err != nil {
		return nil, err
	}
	slides, err := s.store.ListSlides(ctx, commitID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(slides))
	for _, item := range slides {
		items = append(items, slidePayload(item))
	}
	return items, nil
}

// ArchiveSlides reads a commit's slides straight from the git archive
// instead of the database rows, using the commit's recorded archive ref.
func (s *Service) ArchiveSlides(ctx context.Context, commitID string) (map[string]any, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}
	branch, err := s.store.GetBranch(ctx, commit.BranchID)
	if err != nil {
		return nil, err
	}
	slides, err := s.deck.GetSlidesByHash(branch.PresentationID, commit.ArchiveRef)
	if err != nil {
		return nil, fmt.Errorf("read archive slides: %w", err)
	}
	items := make([]map[string]any, 0, len(slides))
	for _, slide := range slides {
		items = append(items, map[string]any{
			"slideNumber": slide.Number,
			"title":       slide.Title,
			"xmlContent":  slide.XML,
		})
	}
	return map[string]any{
		"commitId":   commit.ID,
		"archiveRef": commit.ArchiveRef,
		"slides":     items,
	}, nil
}

// VersionHistory resolves a slide to its owning branch and returns that
// branch's most recent commits. The history is the branch's, not a
// per-slide-number filtered one.
func (s *Service) VersionHistory(ctx context.Context, slideID string) (map[string]any, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		return nil, err
	}
	commit, err := s.store.GetCommit(ctx, slide.CommitID)
	if err != nil {
		return nil, err
	}
	commits, err := s.store.ListCommits(ctx, commit.BranchID)
	if err != nil {
		return nil, err
	}
	if len(commits) > versionHistoryLimit {
		commits = commits[:versionHistoryLimit]
	}
	items := make([]map[string]any, 0, len(commits))
	for _, item := range commits {
		items = append(items, commitPayload(item))
	}
	return map[string]any{
		"slideId":  slide.ID,
		"branchId": commit.BranchID,
		"commits":  items,
	}, nil
}

// Diffs

func (s *Service) DiffSlides(ctx context.Context, baseSlideID, compareSlideID string, withMarkdown bool) (map[string]any, error) {
	if baseSlideID == "" || compareSlideID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "base and compare slide ids are required", nil)
	}
	base, err := s.store.GetSlide(ctx, baseSlideID)
	if err != nil {
		return nil, err
	}
	compare, err := s.store.GetSlide(ctx, compareSlideID)
	if err != nil {
		return nil, err
	}

	var hunks []diff.Hunk
	var elements []diff.ElementChange
	cached := false

	if stored, err := s.store.GetCachedDiff(ctx, baseSlideID, compareSlideID); err != nil {
		return nil, err
	} else if stored != nil {
		if err := json.Unmarshal(stored.Hunks, &hunks); err != nil {
			return nil, fmt.Errorf("decode cached hunks: %w", err)
		}
		if err := json.Unmarshal(stored.Elements, &elements); err != nil {
			return nil, fmt.Errorf("decode cached elements: %w", err)
		}
		cached = true
	} else {
		hunks, elements, err = s.computeDiff(base, compare)
		if err != nil {
			return nil, err
		}

		hunksJSON, err := json.Marshal(hunks)
		if err != nil {
			return nil, fmt.Errorf("encode hunks: %w", err)
		}
		elementsJSON, err := json.Marshal(elements)
		if err != nil {
			return nil, fmt.Errorf("encode elements: %w", err)
		}
		if err := s.store.SaveDiff(ctx, store.SlideDiff{
			ID:             util.NewID("diff"),
			BaseSlideID:    baseSlideID,
			CompareSlideID: compareSlideID,
			Hunks:          hunksJSON,
			Elements:       elementsJSON,
		}); err != nil {
			return nil, fmt.Errorf("cache diff: %w", err)
		}
	}

	payload := map[string]any{
		"baseSlideId":    baseSlideID,
		"compareSlideId": compareSlideID,
		"hunks":          hunks,
		"elements":       elements,
		"cached":         cached,
	}
	if withMarkdown {
		payload["markdown"] = diff.RenderMarkdown(diff.Report{
			SlideNumber: compare.SlideNumber,
			Title:       compare.Title,
			Hunks:       hunks,
			Elements:    elements,
		})
	}
	return payload, nil
}

func (s *Service) computeDiff(base, compare store.Slide) ([]diff.Hunk, []diff.ElementChange, error) {
	if len(base.Content) == 0 && base.XMLContent == "" {
		return nil, nil, insufficientData("base slide has no content")
	}
	if len(compare.Content) == 0 && compare.XMLContent == "" {
		return nil, nil, insufficientData("compare slide has no content")
	}

	hunks, err := diff.Lines(&base.XMLContent, &compare.XMLContent)
	if err != nil {
		return nil, nil, asDiffError(err)
	}

	baseElements, err := diff.ParseElements(orEmptyList(base.Content))
	if err != nil {
		return nil, nil, asDiffError(err)
	}
	compareElements, err := diff.ParseElements(orEmptyList(compare.Content))
	if err != nil {
		return nil, nil, asDiffError(err)
	}
	return hunks, diff.Elements(baseElements, compareElements), nil
}

func asDiffError(err error) error {
	if errors.Is(err, diff.ErrInsufficientData) {
		return insufficientData(err.Error())
	}
	return err
}

// ExportDiffReport renders the per-slide differences between two commits
// of the same presentation as a downloadable PDF.
func (s *Service) ExportDiffReport(ctx context.Context, baseCommitID, compareCommitID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export service not configured", nil)
	}
	baseCommit, err := s.store.GetCommit(ctx, baseCommitID)
	if err != nil {
		return nil, err
	}
	compareCommit, err := s.store.GetCommit(ctx, compareCommitID)
	if err != nil {
		return nil, err
	}
	baseBranch, err := s.store.GetBranch(ctx, baseCommit.BranchID)
	if err != nil {
		return nil, err
	}
	compareBranch, err := s.store.GetBranch(ctx, compareCommit.BranchID)
	if err != nil {
		return nil, err
	}
	if baseBranch.PresentationID != compareBranch.PresentationID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commits belong to different presentations", nil)
	}
	presentation, err := s.store.GetPresentation(ctx, baseBranch.PresentationID)
	if err != nil {
		return nil, err
	}

	baseSlides, err := s.store.ListSlides(ctx, baseCommitID)
	if err != nil {
		return nil, err
	}
	compareSlides, err := s.store.ListSlides(ctx, compareCommitID)
	if err != nil {
		return nil, err
	}

	reports, err := buildReports(baseSlides, compareSlides)
	if err != nil {
		return nil, err
	}

	return s.exporter.Export(export.Request{
		PresentationName: presentation.Name,
		BaseLabel:        baseCommit.ID,
		CompareLabel:     compareCommit.ID,
		Format:           export.FormatPDF,
	}, reports)
}

func buildReports(baseSlides, compareSlides []store.Slide) ([]diff.Report, error) {
	baseByNumber := make(map[int]store.Slide, len(baseSlides))
	for _, slide := range baseSlides {
		baseByNumber[slide.SlideNumber] = slide
	}
	compareByNumber := make(map[int]store.Slide, len(compareSlides))
	for _, slide := range compareSlides {
		compareByNumber[slide.SlideNumber] = slide
	}

	numbers := make([]int, 0, len(baseByNumber)+len(compareByNumber))
	seen := make(map[int]struct{})
	for number := range baseByNumber {
		numbers = append(numbers, number)
		seen[number] = struct{}{}
	}
	for number := range compareByNumber {
		if _, ok := seen[number]; !ok {
			numbers = append(numbers, number)
		}
	}
	sort.Ints(numbers)

	reports := make([]diff.Report, 0, len(numbers))
	for _, number := range numbers {
		base := baseByNumber[number]
		compare := compareByNumber[number]

		hunks, err := diff.Lines(&base.XMLContent, &compare.XMLContent)
		if err != nil {
			return nil, err
		}
		baseElements, err := diff.ParseElements(orEmptyList(base.Content))
		if err != nil {
			return nil, err
		}
		compareElements, err := diff.ParseElements(orEmptyList(compare.Content))
		if err != nil {
			return nil, err
		}
		elements := diff.Elements(baseElements, compareElements)

		if len(hunks) == 0 && len(elements) == 0 {
			continue
		}
		title := compare.Title
		if title == "" {
			title = base.Title
		}
		reports = append(reports, diff.Report{
			SlideNumber: number,
			Title:       title,
			Hunks:       hunks,
			Elements:    elements,
		})
	}
	return reports, nil
}

// Comments

func (s *Service) ListComments(ctx context.Context, slideID string) ([]map[string]any, error) {
	if _, err := s.store.GetSlide(ctx, slideID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, slideID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, item := range comments {
		items = append(items, commentPayload(item))
	}
	return items, nil
}

func (s *Service) CreateComment(ctx context.Context, slideID, message string, userID, parentID *string) (map[string]any, error) {
	if strings.TrimSpace(message) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
	}
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if parent.SlideID != slideID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment belongs to another slide", nil)
		}
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		SlideID:  slideID,
		UserID:   userID,
		ParentID: parentID,
		Message:  message,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}

	if s.search != nil {
		commit, err := s.store.GetCommit(ctx, slide.CommitID)
		if err == nil {
			if branch, err := s.store.GetBranch(ctx, commit.BranchID); err == nil {
				s.search.IndexComment(search.CommentRecord{
					ID:             comment.ID,
					Message:        comment.Message,
					SlideID:        comment.SlideID,
					PresentationID: branch.PresentationID,
				})
			}
		}
	}
	return commentPayload(comment), nil
}

func (s *Service) ResolveComment(ctx context.Context, commentID string) (map[string]any, error) {
	affected, err := s.store.ResolveComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if !affected {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	return map[string]any{"id": commentID, "resolved": true}, nil
}

func (s *Service) DeleteComment(ctx context.Context, commentID string) error {
	affected, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		return err
	}
	if !affected {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// Snapshots

func (s *Service) CreateSnapshot(ctx context.Context, presentationID, slideID string, commitID *string, customTitle, password string, expiryDays int) (map[string]any, error) {
	if _, err := s.store.GetPresentation(ctx, presentationID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSlide(ctx, slideID); err != nil {
		return nil, err
	}
	if commitID != nil {
		if _, err := s.store.GetCommit(ctx, *commitID); err != nil {
			return nil, err
		}
	}
	if expiryDays <= 0 {
		expiryDays = s.cfg.SnapshotExpiryDays
	}

	snapshot := store.Snapshot{
		ID:             util.NewID("snap"),
		PresentationID: presentationID,
		CommitID:       commitID,
		SlideID:        slideID,
		CustomTitle:    customTitle,
		ExpiresAt:      time.Now().Add(time.Duration(expiryDays) * 24 * time.Hour),
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash snapshot password: %w", err)
		}
		hashed := string(hash)
		snapshot.PasswordHash = &hashed
	}

	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Save(ctx, snapshot)
	}

	payload := snapshotPayload(snapshot)
	payload["url"] = s.shareableURL(snapshot.ID)
	return payload, nil
}

// GetSnapshot resolves a share token. A nil commit reference means
// "latest commit of the default branch at view time", re-resolved on
// every read.
func (s *Service) GetSnapshot(ctx context.Context, snapshotID, password string) (map[string]any, error) {
	snapshot, err := s.loadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(snapshot.ExpiresAt) {
		return nil, domainError(http.StatusGone, "GONE", "Snapshot has expired", nil)
	}
	if snapshot.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*snapshot.PasswordHash), []byte(password)); err != nil {
			return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Snapshot password required", nil)
		}
	}

	if err := s.store.TouchSnapshotAccess(ctx, snapshotID); err != nil {
		return nil, fmt.Errorf("record snapshot access: %w", err)
	}
	if s.cache != nil {
		// the cached copy predates the access bump; drop it so the next
		// read re-caches the current count
		_ = s.cache.Invalidate(ctx, snapshotID)
	}

	commit, slide, err := s.resolveSnapshotView(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload(snapshot)
	payload["url"] = s.shareableURL(snapshot.ID)
	if commit != nil {
		payload["commit"] = commitPayload(*commit)
	}
	if slide != nil {
		payload["slide"] = slidePayload(*slide)
	}
	return payload, nil
}

func (s *Service) loadSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error) {
	if s.cache != nil {
		if snapshot, ok, err := s.cache.Lookup(ctx, snapshotID); err == nil && ok {
			return snapshot, nil
		}
	}
	snapshot, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if s.cache != nil {
		_ = s.cache.Save(ctx, snapshot)
	}
	return snapshot, nil
}

func (s *Service) resolveSnapshotView(ctx context.Context, snapshot store.Snapshot) (*store.Commit, *store.Slide, error) {
	pinned, err := s.store.GetSlide(ctx, snapshot.SlideID)
	if err != nil {
		return nil, nil, err
	}

	var commit store.Commit
	if snapshot.CommitID != nil {
		commit, err = s.store.GetCommit(ctx, *snapshot.CommitID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		branch, err := s.store.FindDefaultBranch(ctx, snapshot.PresentationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// no branches at all; nothing to track, serve the pinned row
				return nil, &pinned, nil
			}
			return nil, nil, fmt.Errorf("find default branch: %w", err)
		}
		head, err := s.store.LatestCommit(ctx, branch.ID)
		if err != nil {
			return nil, nil, err
		}
		if head == nil {
			return nil, &pinned, nil
		}
		commit = *head
	}

	slide, err := s.store.GetSlideByNumber(ctx, commit.ID, pinned.SlideNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the slide no longer exists under the resolved commit;
			// fall back to the pinned row
			return &commit, &pinned, nil
		}
		return nil, nil, err
	}
	return &commit, &slide, nil
}

func (s *Service) ShareableURL(ctx context.Context, snapshotID string) (map[string]any, error) {
	if _, err := s.loadSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	return map[string]any{"id": snapshotID, "url": s.shareableURL(snapshotID)}, nil
}

func (s *Service) shareableURL(snapshotID string) string {
	return strings.TrimRight(s.cfg.ShareBaseURL, "/") + "/snapshots/" + snapshotID
}

// Search

func (s *Service) Search(q, filterType, presentationID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	if filterType != "" && filterType != string(search.ResultPresentation) && filterType != string(search.ResultComment) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be 'presentation' or 'comment'", nil)
	}
	return s.search.Search(search.Query{
		Text:                 q,
		FilterType:           search.ResultType(filterType),
		FilterPresentationID: presentationID,
		Limit:                limit,
		Offset:               offset,
	}), nil
}

// helpers

func insufficientData(message string) error {
	return domainError(http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", message, nil)
}

func orEmptyList(content json.RawMessage) json.RawMessage {
	if len(content) == 0 {
		return json.RawMessage("[]")
	}
	return content
}

func validateSlideInputs(slides []SlideInput, required bool) error {
	if len(slides) == 0 {
		if required {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one slide is required", nil)
		}
		return nil
	}
	seen := make(map[int]struct{}, len(slides))
	for _, slide := range slides {
		if slide.SlideNumber < 1 {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slide numbers are 1-based", nil)
		}
		if _, ok := seen[slide.SlideNumber]; ok {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("duplicate slide number %d", slide.SlideNumber), nil)
		}
		seen[slide.SlideNumber] = struct{}{}
	}
	return nil
}

func toDeckSlides(slides []SlideInput) []deck.Slide {
	items := make([]deck.Slide, 0, len(slides))
	for _, slide := range slides {
		items = append(items, deck.Slide{
			Number: slide.SlideNumber,
			Title:  slide.Title,
			XML:    slide.XMLContent,
		})
	}
	return items
}

func toStoreSlides(commitID string, slides []SlideInput) []store.Slide {
	items := make([]store.Slide, 0, len(slides))
	for _, slide := range slides {
		items = append(items, store.Slide{
			ID:          util.NewID("s"),
			CommitID:    commitID,
			SlideNumber: slide.SlideNumber,
			Title:       slide.Title,
			Content:     orEmptyList(slide.Content),
			XMLContent:  slide.XMLContent,
		})
	}
	return items
}

func presentationPayload(item store.Presentation) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"name":      item.Name,
		"ownerId":   item.OwnerID,
		"hasSource": item.SourceKey != "",
		"createdAt": item.CreatedAt,
		"updatedAt": item.UpdatedAt,
	}
}

func branchPayloads(branches []store.Branch) []map[string]any {
	items := make([]map[string]any, 0, len(branches))
	for _, item := range branches {
		items = append(items, branchPayload(item))
	}
	return items
}

func branchPayload(item store.Branch) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"presentationId": item.PresentationID,
		"name":           item.Name,
		"description":    item.Description,
		"isDefault":      item.IsDefault,
		"createdAt":      item.CreatedAt,
	}
}

func commitPayload(item store.Commit) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"branchId":   item.BranchID,
		"message":    item.Message,
		"authorId":   item.AuthorID,
		"kind":       string(item.Kind),
		"archiveRef": item.ArchiveRef,
		"createdAt":  item.CreatedAt,
	}
}

func slidePayload(item store.Slide) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"commitId":    item.CommitID,
		"slideNumber": item.SlideNumber,
		"title":       item.Title,
		"content":     item.Content,
		"xmlContent":  item.XMLContent,
	}
}

func commentPayload(item store.Comment) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"slideId":   item.SlideID,
		"userId":    item.UserID,
		"parentId":  item.ParentID,
		"message":   item.Message,
		"resolved":  item.Resolved,
		"createdAt": item.CreatedAt,
		"updatedAt": item.UpdatedAt,
	}
}

func snapshotPayload(item store.Snapshot) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"presentationId": item.PresentationID,
		"commitId":       item.CommitID,
		"slideId":        item.SlideID,
		"customTitle":    item.CustomTitle,
		"protected":      item.PasswordHash != nil,
		"accessCount":    item.AccessCount,
		"expiresAt":      item.ExpiresAt,
		"createdAt":      item.CreatedAt,
	}
}
