package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"peerdiffx/api/internal/config"
	"peerdiffx/api/internal/deck"
	"peerdiffx/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	getPresentationFn        func(context.Context, string) (store.Presentation, error)
	insertPresentationFn     func(context.Context, store.Presentation) error
	listBranchesFn           func(context.Context, string) ([]store.Branch, error)
	getBranchFn              func(context.Context, string) (store.Branch, error)
	insertBranchFn           func(context.Context, store.Branch) error
	findDefaultBranchFn      func(context.Context, string) (store.Branch, error)
	branchCountFn            func(context.Context, string) (int, error)
	listCommitsFn            func(context.Context, string) ([]store.Commit, error)
	getCommitFn              func(context.Context, string) (store.Commit, error)
	latestCommitFn           func(context.Context, string) (*store.Commit, error)
	insertCommitWithSlidesFn func(context.Context, store.Commit, []store.Slide) error
	listSlidesFn             func(context.Context, string) ([]store.Slide, error)
	getSlideFn               func(context.Context, string) (store.Slide, error)
	getSlideByNumberFn       func(context.Context, string, int) (store.Slide, error)
	getCachedDiffFn          func(context.Context, string, string) (*store.SlideDiff, error)
	saveDiffFn               func(context.Context, store.SlideDiff) error
	getCommentFn             func(context.Context, string) (store.Comment, error)
	insertCommentFn          func(context.Context, store.Comment) error
	resolveCommentFn         func(context.Context, string) (bool, error)
	insertSnapshotFn         func(context.Context, store.Snapshot) error
	getSnapshotFn            func(context.Context, string) (store.Snapshot, error)
	touchSnapshotAccessFn    func(context.Context, string) error
	accessRoleFn             func(context.Context, string, string) (string, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) ListPresentations(context.Context) ([]store.Presentation, error) {
	return nil, nil
}
func (f *fakeStore) GetPresentation(ctx context.Context, id string) (store.Presentation, error) {
	if f.getPresentationFn != nil {
		return f.getPresentationFn(ctx, id)
	}
	return store.Presentation{ID: id, Name: "Quarterly Review"}, nil
}
func (f *fakeStore) InsertPresentation(ctx context.Context, item store.Presentation) error {
	if f.insertPresentationFn != nil {
		return f.insertPresentationFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) SetPresentationSource(context.Context, string, string) error { return nil }
func (f *fakeStore) DeletePresentationCascade(context.Context, string) error     { return nil }
func (f *fakeStore) ListBranches(ctx context.Context, presentationID string) ([]store.Branch, error) {
	if f.listBranchesFn != nil {
		return f.listBranchesFn(ctx, presentationID)
	}
	return nil, nil
}
func (f *fakeStore) GetBranch(ctx context.Context, id string) (store.Branch, error) {
	if f.getBranchFn != nil {
		return f.getBranchFn(ctx, id)
	}
	return store.Branch{}, sql.ErrNoRows
}
func (f *fakeStore) InsertBranch(ctx context.Context, item store.Branch) error {
	if f.insertBranchFn != nil {
		return f.insertBranchFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) FindDefaultBranch(ctx context.Context, presentationID string) (store.Branch, error) {
	if f.findDefaultBranchFn != nil {
		return f.findDefaultBranchFn(ctx, presentationID)
	}
	return store.Branch{}, sql.ErrNoRows
}
func (f *fakeStore) BranchCount(ctx context.Context, presentationID string) (int, error) {
	if f.branchCountFn != nil {
		return f.branchCountFn(ctx, presentationID)
	}
	return 0, nil
}
func (f *fakeStore) ListCommits(ctx context.Context, branchID string) ([]store.Commit, error) {
	if f.listCommitsFn != nil {
		return f.listCommitsFn(ctx, branchID)
	}
	return nil, nil
}
func (f *fakeStore) GetCommit(ctx context.Context, id string) (store.Commit, error) {
	if f.getCommitFn != nil {
		return f.getCommitFn(ctx, id)
	}
	return store.Commit{}, sql.ErrNoRows
}
func (f *fakeStore) LatestCommit(ctx context.Context, branchID string) (*store.Commit, error) {
	if f.latestCommitFn != nil {
		return f.latestCommitFn(ctx, branchID)
	}
	return nil, nil
}
func (f *fakeStore) InsertCommitWithSlides(ctx context.Context, commit store.Commit, slides []store.Slide) error {
	if f.insertCommitWithSlidesFn != nil {
		return f.insertCommitWithSlidesFn(ctx, commit, slides)
	}
	return nil
}
func (f *fakeStore) ListSlides(ctx context.Context, commitID string) ([]store.Slide, error) {
	if f.listSlidesFn != nil {
		return f.listSlidesFn(ctx, commitID)
	}
	return nil, nil
}
func (f *fakeStore) GetSlide(ctx context.Context, id string) (store.Slide, error) {
	if f.getSlideFn != nil {
		return f.getSlideFn(ctx, id)
	}
	return store.Slide{}, sql.ErrNoRows
}
func (f *fakeStore) GetSlideByNumber(ctx context.Context, commitID string, number int) (store.Slide, error) {
	if f.getSlideByNumberFn != nil {
		return f.getSlideByNumberFn(ctx, commitID, number)
	}
	return store.Slide{}, sql.ErrNoRows
}
func (f *fakeStore) GetCachedDiff(ctx context.Context, base, compare string) (*store.SlideDiff, error) {
	if f.getCachedDiffFn != nil {
		return f.getCachedDiffFn(ctx, base, compare)
	}
	return nil, nil
}
func (f *fakeStore) SaveDiff(ctx context.Context, item store.SlideDiff) error {
	if f.saveDiffFn != nil {
		return f.saveDiffFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) ListComments(context.Context, string) ([]store.Comment, error) { return nil, nil }
func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) InsertComment(ctx context.Context, item store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) ResolveComment(ctx context.Context, id string) (bool, error) {
	if f.resolveCommentFn != nil {
		return f.resolveCommentFn(ctx, id)
	}
	return false, nil
}
func (f *fakeStore) DeleteComment(context.Context, string) (bool, error) { return false, nil }
func (f *fakeStore) InsertSnapshot(ctx context.Context, item store.Snapshot) error {
	if f.insertSnapshotFn != nil {
		return f.insertSnapshotFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetSnapshot(ctx context.Context, id string) (store.Snapshot, error) {
	if f.getSnapshotFn != nil {
		return f.getSnapshotFn(ctx, id)
	}
	return store.Snapshot{}, sql.ErrNoRows
}
func (f *fakeStore) TouchSnapshotAccess(ctx context.Context, id string) error {
	if f.touchSnapshotAccessFn != nil {
		return f.touchSnapshotAccessFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) UpsertAccessGrant(context.Context, store.AccessGrant) error { return nil }
func (f *fakeStore) AccessRole(ctx context.Context, presentationID, userID string) (string, error) {
	if f.accessRoleFn != nil {
		return f.accessRoleFn(ctx, presentationID, userID)
	}
	return "", sql.ErrNoRows
}

type fakeDeck struct {
	ensurePresentationRepoFn func(string, []deck.Slide, string) (deck.CommitInfo, error)
	ensureBranchFn           func(string, string, string) error
	commitSlidesFn           func(string, string, []deck.Slide, string, string) (deck.CommitInfo, error)
	mergeIntoBranchFn        func(string, string, string, string, string) (deck.CommitInfo, error)
}

func (f *fakeDeck) EnsurePresentationRepo(presentationID string, slides []deck.Slide, author string) (deck.CommitInfo, error) {
	if f.ensurePresentationRepoFn != nil {
		return f.ensurePresentationRepoFn(presentationID, slides, author)
	}
	return deck.CommitInfo{Hash: "abc1234", Author: author, Message: "Initial import", CreatedAt: time.Now()}, nil
}
func (f *fakeDeck) EnsureBranch(presentationID, branchName, fromBranch string) error {
	if f.ensureBranchFn != nil {
		return f.ensureBranchFn(presentationID, branchName, fromBranch)
	}
	return nil
}
func (f *fakeDeck) CommitSlides(presentationID, branchName string, slides []deck.Slide, author, message string) (deck.CommitInfo, error) {
	if f.commitSlidesFn != nil {
		return f.commitSlidesFn(presentationID, branchName, slides, author, message)
	}
	return deck.CommitInfo{Hash: "def5678", Author: author, Message: message, CreatedAt: time.Now()}, nil
}
func (f *fakeDeck) GetSlidesByHash(string, string) ([]deck.Slide, error) { return nil, nil }
func (f *fakeDeck) MergeIntoBranch(presentationID, sourceBranch, targetBranch, author, message string) (deck.CommitInfo, error) {
	if f.mergeIntoBranchFn != nil {
		return f.mergeIntoBranchFn(presentationID, sourceBranch, targetBranch, author, message)
	}
	return deck.CommitInfo{Hash: "merge99", Author: author, Message: message, CreatedAt: time.Now()}, nil
}

type fakeCache struct {
	saveFn       func(context.Context, store.Snapshot) error
	lookupFn     func(context.Context, string) (store.Snapshot, bool, error)
	invalidateFn func(context.Context, string) error
}

func (f *fakeCache) Save(ctx context.Context, snapshot store.Snapshot) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, snapshot)
	}
	return nil
}
func (f *fakeCache) Lookup(ctx context.Context, id string) (store.Snapshot, bool, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, id)
	}
	return store.Snapshot{}, false, nil
}
func (f *fakeCache) Invalidate(ctx context.Context, id string) error {
	if f.invalidateFn != nil {
		return f.invalidateFn(ctx, id)
	}
	return nil
}

func newTestService(fs *fakeStore, fd *fakeDeck) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret:        "test-secret",
			ShareBaseURL:       "http://localhost:8790/share",
			SnapshotExpiryDays: 30,
		},
		store: fs,
		deck:  fd,
	}
}

func testSession() Session {
	return Session{UserID: "user-1", UserName: "Avery", Role: "editor"}
}

func TestCreatePresentationCreatesDefaultBranchAndInitialCommit(t *testing.T) {
	var insertedBranch store.Branch
	var insertedCommit store.Commit
	var insertedSlides []store.Slide
	fs := &fakeStore{
		insertBranchFn: func(_ context.Context, item store.Branch) error {
			insertedBranch = item
			return nil
		},
		insertCommitWithSlidesFn: func(_ context.Context, commit store.Commit, slides []store.Slide) error {
			insertedCommit = commit
			insertedSlides = slides
			return nil
		},
	}
	fd := &fakeDeck{
		ensurePresentationRepoFn: func(presentationID string, slides []deck.Slide, author string) (deck.CommitInfo, error) {
			if presentationID == "" {
				t.Fatalf("expected non-empty presentation ID")
			}
			if len(slides) != 1 || slides[0].Title != "Agenda" {
				t.Fatalf("unexpected slides passed to archive: %+v", slides)
			}
			if author != "Avery" {
				t.Fatalf("expected author Avery, got %q", author)
			}
			return deck.CommitInfo{Hash: "aaa1111"}, nil
		},
	}
	svc := newTestService(fs, fd)

	payload, err := svc.CreatePresentation(context.Background(), "Q3 Review", []SlideInput{
		{SlideNumber: 1, Title: "Agenda", XMLContent: "<p:sp>Agenda</p:sp>"},
	}, testSession())
	if err != nil {
		t.Fatalf("CreatePresentation() error = %v", err)
	}
	if !insertedBranch.IsDefault || insertedBranch.Name != "main" {
		t.Fatalf("expected default main branch, got %+v", insertedBranch)
	}
	if insertedCommit.Kind != store.CommitInitial {
		t.Fatalf("expected initial commit kind, got %s", insertedCommit.Kind)
	}
	if insertedCommit.ArchiveRef != "aaa1111" {
		t.Fatalf("expected archive ref aaa1111, got %q", insertedCommit.ArchiveRef)
	}
	if len(insertedSlides) != 1 || insertedSlides[0].SlideNumber != 1 {
		t.Fatalf("expected one slide row, got %+v", insertedSlides)
	}
	if payload["name"] != "Q3 Review" {
		t.Fatalf("expected name in payload, got %v", payload["name"])
	}
}

func TestCreatePresentationRejectsBlankName(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeDeck{})

	_, err := svc.CreatePresentation(context.Background(), "   ", nil, testSession())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestCreateBranchFirstBranchBecomesDefault(t *testing.T) {
	var inserted store.Branch
	fs := &fakeStore{
		insertBranchFn: func(_ context.Context, item store.Branch) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.CreateBranch(context.Background(), "pres-1", "draft", "", "")
	if err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if !inserted.IsDefault {
		t.Fatalf("expected the only branch to become default")
	}
}

func TestCreateBranchForksArchiveFromBase(t *testing.T) {
	forked := false
	fs := &fakeStore{
		getBranchFn: func(_ context.Context, id string) (store.Branch, error) {
			return store.Branch{ID: id, PresentationID: "pres-1", Name: "main", IsDefault: true}, nil
		},
		branchCountFn: func(context.Context, string) (int, error) { return 1, nil },
	}
	fd := &fakeDeck{
		ensureBranchFn: func(presentationID, branchName, fromBranch string) error {
			forked = true
			if presentationID != "pres-1" || branchName != "experiment" || fromBranch != "main" {
				t.Fatalf("unexpected fork args: %s %s %s", presentationID, branchName, fromBranch)
			}
			return nil
		},
	}
	svc := newTestService(fs, fd)

	payload, err := svc.CreateBranch(context.Background(), "pres-1", "experiment", "try new layout", "br-main")
	if err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if !forked {
		t.Fatalf("expected archive branch fork")
	}
	if payload["isDefault"] != false {
		t.Fatalf("second branch must not be default")
	}
}

func TestMergeBranchesClonesSourceHeadSlides(t *testing.T) {
	sourceHead := store.Commit{ID: "c-src", BranchID: "br-src", Kind: store.CommitNormal}
	var merged store.Commit
	var mergedSlides []store.Slide
	fs := &fakeStore{
		getBranchFn: func(_ context.Context, id string) (store.Branch, error) {
			switch id {
			case "br-src":
				return store.Branch{ID: id, PresentationID: "pres-1", Name: "draft"}, nil
			case "br-dst":
				return store.Branch{ID: id, PresentationID: "pres-1", Name: "main", IsDefault: true}, nil
			}
			return store.Branch{}, sql.ErrNoRows
		},
		latestCommitFn: func(_ context.Context, branchID string) (*store.Commit, error) {
			if branchID != "br-src" {
				t.Fatalf("expected source head lookup, got %s", branchID)
			}
			return &sourceHead, nil
		},
		listSlidesFn: func(_ context.Context, commitID string) ([]store.Slide, error) {
			if commitID != "c-src" {
				t.Fatalf("expected source head slides, got %s", commitID)
			}
			return []store.Slide{
				{ID: "s-1", CommitID: "c-src", SlideNumber: 1, Title: "Agenda", XMLContent: "<p/>"},
			}, nil
		},
		insertCommitWithSlidesFn: func(_ context.Context, commit store.Commit, slides []store.Slide) error {
			merged = commit
			mergedSlides = slides
			return nil
		},
	}
	fd := &fakeDeck{
		mergeIntoBranchFn: func(presentationID, sourceBranch, targetBranch, author, message string) (deck.CommitInfo, error) {
			if sourceBranch != "draft" || targetBranch != "main" {
				t.Fatalf("unexpected merge args: %s -> %s", sourceBranch, targetBranch)
			}
			return deck.CommitInfo{Hash: "fff0000", Author: author, Message: message}, nil
		},
	}
	svc := newTestService(fs, fd)

	payload, err := svc.MergeBranches(context.Background(), "br-src", "br-dst", "", testSession())
	if err != nil {
		t.Fatalf("MergeBranches() error = %v", err)
	}
	if merged.Kind != store.CommitMerge {
		t.Fatalf("expected merge commit kind, got %s", merged.Kind)
	}
	if merged.BranchID != "br-dst" {
		t.Fatalf("merge commit must land on the target branch, got %s", merged.BranchID)
	}
	if merged.Message != "Merge draft into main" {
		t.Fatalf("unexpected default merge message: %q", merged.Message)
	}
	if len(mergedSlides) != 1 || mergedSlides[0].ID == "s-1" {
		t.Fatalf("expected cloned slide rows with fresh ids, got %+v", mergedSlides)
	}
	if mergedSlides[0].Title != "Agenda" {
		t.Fatalf("cloned slide lost its content: %+v", mergedSlides[0])
	}
	if payload["archiveRef"] != "fff0000" {
		t.Fatalf("expected archive ref from merge, got %v", payload["archiveRef"])
	}
}

func TestMergeBranchesRejectsCrossPresentation(t *testing.T) {
	fs := &fakeStore{
		getBranchFn: func(_ context.Context, id string) (store.Branch, error) {
			if id == "br-a" {
				return store.Branch{ID: id, PresentationID: "pres-1", Name: "a"}, nil
			}
			return store.Branch{ID: id, PresentationID: "pres-2", Name: "b"}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.MergeBranches(context.Background(), "br-a", "br-b", "", testSession())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestVersionHistoryReturnsMostRecentCommits(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, CommitID: "c-2", SlideNumber: 1}, nil
		},
		getCommitFn: func(_ context.Context, id string) (store.Commit, error) {
			return store.Commit{ID: id, BranchID: "br-1"}, nil
		},
		listCommitsFn: func(_ context.Context, branchID string) ([]store.Commit, error) {
			return []store.Commit{
				{ID: "c-4", BranchID: branchID, CreatedAt: now},
				{ID: "c-3", BranchID: branchID, CreatedAt: now.Add(-time.Minute)},
				{ID: "c-2", BranchID: branchID, CreatedAt: now.Add(-2 * time.Minute)},
				{ID: "c-1", BranchID: branchID, CreatedAt: now.Add(-3 * time.Minute)},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	payload, err := svc.VersionHistory(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("VersionHistory() error = %v", err)
	}
	commits := payload["commits"].([]map[string]any)
	if len(commits) != 3 {
		t.Fatalf("expected history capped at 3 commits, got %d", len(commits))
	}
	if commits[0]["id"] != "c-4" || commits[2]["id"] != "c-2" {
		t.Fatalf("expected newest-first order, got %v", commits)
	}
}

func TestDiffSlidesComputesAndPersists(t *testing.T) {
	var saved *store.SlideDiff
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			if id == "s-base" {
				return store.Slide{ID: id, SlideNumber: 1, XMLContent: "line one\nline two", Content: json.RawMessage(`[]`)}, nil
			}
			return store.Slide{ID: id, SlideNumber: 1, XMLContent: "line one\nline two changed", Content: json.RawMessage(`[]`)}, nil
		},
		saveDiffFn: func(_ context.Context, item store.SlideDiff) error {
			saved = &item
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	payload, err := svc.DiffSlides(context.Background(), "s-base", "s-cmp", false)
	if err != nil {
		t.Fatalf("DiffSlides() error = %v", err)
	}
	if payload["cached"] != false {
		t.Fatalf("first computation must not be cached")
	}
	if saved == nil {
		t.Fatalf("expected diff to be persisted")
	}
	if saved.BaseSlideID != "s-base" || saved.CompareSlideID != "s-cmp" {
		t.Fatalf("unexpected cache key: %+v", saved)
	}
}

func TestDiffSlidesServesCachedResult(t *testing.T) {
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1, XMLContent: "x", Content: json.RawMessage(`[]`)}, nil
		},
		getCachedDiffFn: func(_ context.Context, base, compare string) (*store.SlideDiff, error) {
			return &store.SlideDiff{
				BaseSlideID:    base,
				CompareSlideID: compare,
				Hunks:          json.RawMessage(`[]`),
				Elements:       json.RawMessage(`[]`),
			}, nil
		},
		saveDiffFn: func(context.Context, store.SlideDiff) error {
			t.Fatalf("cached diff must not be recomputed")
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	payload, err := svc.DiffSlides(context.Background(), "s-base", "s-cmp", false)
	if err != nil {
		t.Fatalf("DiffSlides() error = %v", err)
	}
	if payload["cached"] != true {
		t.Fatalf("expected cached result")
	}
}

func TestDiffSlidesRequiresContent(t *testing.T) {
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			if id == "s-base" {
				return store.Slide{ID: id, SlideNumber: 1}, nil
			}
			return store.Slide{ID: id, SlideNumber: 1, XMLContent: "x"}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.DiffSlides(context.Background(), "s-base", "s-cmp", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INSUFFICIENT_DATA" {
		t.Fatalf("expected INSUFFICIENT_DATA, got %s", domainErr.Code)
	}
}

func TestCreateSnapshotDefaultsExpiryWindow(t *testing.T) {
	var inserted store.Snapshot
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 2}, nil
		},
		insertSnapshotFn: func(_ context.Context, item store.Snapshot) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	before := time.Now()
	_, err := svc.CreateSnapshot(context.Background(), "pres-1", "s-1", nil, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	after := time.Now()

	if inserted.CommitID != nil {
		t.Fatalf("expected latest-tracking snapshot, got pinned commit %v", *inserted.CommitID)
	}
	min := before.Add(30*24*time.Hour - time.Second)
	max := after.Add(30 * 24 * time.Hour)
	if inserted.ExpiresAt.Before(min) || inserted.ExpiresAt.After(max) {
		t.Fatalf("expiry %v outside the 30-day window [%v, %v]", inserted.ExpiresAt, min, max)
	}
	if inserted.PasswordHash != nil {
		t.Fatalf("expected no password hash when none supplied")
	}
}

func TestGetSnapshotExpiredReturnsGone(t *testing.T) {
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, id string) (store.Snapshot, error) {
			return store.Snapshot{
				ID:             id,
				PresentationID: "pres-1",
				SlideID:        "s-1",
				ExpiresAt:      time.Now().Add(-time.Millisecond),
			}, nil
		},
		touchSnapshotAccessFn: func(context.Context, string) error {
			t.Fatalf("expired snapshot must not count as an access")
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.GetSnapshot(context.Background(), "snap-1", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "GONE" {
		t.Fatalf("expected GONE, got %s", domainErr.Code)
	}
}

func TestGetSnapshotRequiresPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	hashed := string(hash)
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, id string) (store.Snapshot, error) {
			return store.Snapshot{
				ID:             id,
				PresentationID: "pres-1",
				SlideID:        "s-1",
				PasswordHash:   &hashed,
				ExpiresAt:      time.Now().Add(time.Hour),
			}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err = svc.GetSnapshot(context.Background(), "snap-1", "wrong")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", domainErr.Code)
	}

	if _, err := svc.GetSnapshot(context.Background(), "snap-1", "secret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}

func TestGetSnapshotTracksLatestDefaultBranchCommit(t *testing.T) {
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, id string) (store.Snapshot, error) {
			return store.Snapshot{
				ID:             id,
				PresentationID: "pres-1",
				SlideID:        "s-old",
				ExpiresAt:      time.Now().Add(time.Hour),
			}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, CommitID: "c-old", SlideNumber: 2, Title: "Old"}, nil
		},
		findDefaultBranchFn: func(_ context.Context, presentationID string) (store.Branch, error) {
			return store.Branch{ID: "br-main", PresentationID: presentationID, Name: "main", IsDefault: true}, nil
		},
		latestCommitFn: func(_ context.Context, branchID string) (*store.Commit, error) {
			if branchID != "br-main" {
				t.Fatalf("expected default branch head lookup, got %s", branchID)
			}
			return &store.Commit{ID: "c-head", BranchID: branchID}, nil
		},
		getSlideByNumberFn: func(_ context.Context, commitID string, number int) (store.Slide, error) {
			if commitID != "c-head" || number != 2 {
				t.Fatalf("expected slide 2 of head commit, got %s #%d", commitID, number)
			}
			return store.Slide{ID: "s-new", CommitID: commitID, SlideNumber: number, Title: "New"}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	payload, err := svc.GetSnapshot(context.Background(), "snap-1", "")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	slide := payload["slide"].(map[string]any)
	if slide["id"] != "s-new" {
		t.Fatalf("expected the head commit's slide, got %v", slide["id"])
	}
	commit := payload["commit"].(map[string]any)
	if commit["id"] != "c-head" {
		t.Fatalf("expected head commit in payload, got %v", commit["id"])
	}
}

func TestGetSnapshotPropagatesDefaultBranchLookupFailure(t *testing.T) {
	dbDown := errors.New("connection refused")
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, id string) (store.Snapshot, error) {
			return store.Snapshot{
				ID:             id,
				PresentationID: "pres-1",
				SlideID:        "s-1",
				ExpiresAt:      time.Now().Add(time.Hour),
			}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1, Title: "Pinned"}, nil
		},
		findDefaultBranchFn: func(context.Context, string) (store.Branch, error) {
			return store.Branch{}, dbDown
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.GetSnapshot(context.Background(), "snap-1", "")
	if !errors.Is(err, dbDown) {
		t.Fatalf("expected the store failure to surface, got %v", err)
	}
}

func TestGetSnapshotWithoutBranchesServesPinnedSlide(t *testing.T) {
	fs := &fakeStore{
		getSnapshotFn: func(_ context.Context, id string) (store.Snapshot, error) {
			return store.Snapshot{
				ID:             id,
				PresentationID: "pres-1",
				SlideID:        "s-1",
				ExpiresAt:      time.Now().Add(time.Hour),
			}, nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1, Title: "Pinned"}, nil
		},
		// default findDefaultBranchFn reports sql.ErrNoRows
	}
	svc := newTestService(fs, &fakeDeck{})

	payload, err := svc.GetSnapshot(context.Background(), "snap-1", "")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	slide := payload["slide"].(map[string]any)
	if slide["id"] != "s-1" {
		t.Fatalf("expected the pinned slide, got %v", slide["id"])
	}
	if _, ok := payload["commit"]; ok {
		t.Fatalf("expected no commit in payload when the presentation has no branches")
	}
}

func TestGetSnapshotInvalidatesCachedCopyAfterAccess(t *testing.T) {
	snapshot := store.Snapshot{
		ID:             "snap-1",
		PresentationID: "pres-1",
		SlideID:        "s-1",
		AccessCount:    4,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	var events []string
	fs := &fakeStore{
		touchSnapshotAccessFn: func(_ context.Context, id string) error {
			events = append(events, "touch:"+id)
			return nil
		},
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1}, nil
		},
	}
	fc := &fakeCache{
		lookupFn: func(_ context.Context, id string) (store.Snapshot, bool, error) {
			return snapshot, true, nil
		},
		invalidateFn: func(_ context.Context, id string) error {
			events = append(events, "invalidate:"+id)
			return nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})
	svc.cache = fc

	if _, err := svc.GetSnapshot(context.Background(), "snap-1", ""); err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	want := []string{"touch:snap-1", "invalidate:snap-1"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("expected access bump then cache invalidation, got %v", events)
	}
}

func TestCreateCommentRejectsCrossSlideParent(t *testing.T) {
	parentID := "cmt-parent"
	fs := &fakeStore{
		getSlideFn: func(_ context.Context, id string) (store.Slide, error) {
			return store.Slide{ID: id, SlideNumber: 1}, nil
		},
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, SlideID: "s-other"}, nil
		},
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.CreateComment(context.Background(), "s-1", "looks good", nil, &parentID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestResolveCommentMissingReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		resolveCommentFn: func(context.Context, string) (bool, error) { return false, nil },
	}
	svc := newTestService(fs, &fakeDeck{})

	_, err := svc.ResolveComment(context.Background(), "cmt-missing")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", domainErr.Code)
	}
}

func TestCreateCommitValidatesInput(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeDeck{})

	_, err := svc.CreateCommit(context.Background(), "br-1", "", []SlideInput{{SlideNumber: 1}}, testSession())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for blank message, got %v", err)
	}

	_, err = svc.CreateCommit(context.Background(), "br-1", "update", []SlideInput{
		{SlideNumber: 1}, {SlideNumber: 1},
	}, testSession())
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for duplicate slide numbers, got %v", err)
	}
}

func TestCanOnWidensRoleWithGrant(t *testing.T) {
	fs := &fakeStore{
		accessRoleFn: func(_ context.Context, presentationID, userID string) (string, error) {
			if presentationID == "pres-1" && userID == "user-1" {
				return "editor", nil
			}
			return "", sql.ErrNoRows
		},
	}
	svc := newTestService(fs, &fakeDeck{})
	session := Session{UserID: "user-1", Role: "viewer"}

	if !svc.CanOn(context.Background(), session, "pres-1", "write") {
		t.Fatalf("grant should widen viewer to editor")
	}
	if svc.CanOn(context.Background(), session, "pres-2", "write") {
		t.Fatalf("grant must not leak to other presentations")
	}
}
