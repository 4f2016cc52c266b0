package deck

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Slide is one slide's markup as stored in a presentation archive.
type Slide struct {
	Number int
	Title  string
	XML    string
}

// CommitInfo describes a commit in a presentation archive. Hash is the
// short form recorded on commit rows as the archive reference.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// Service keeps one bare-worktree git repository per presentation under
// baseDir. All operations on the same presentation serialize on a
// per-presentation mutex.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) EnsurePresentationRepo(presentationID string, slides []Slide, author string) (CommitInfo, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(presentationID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("open repo: %w", err)
		}
		ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("resolve main ref: %w", err)
		}
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return CommitInfo{}, fmt.Errorf("load head commit: %w", err)
		}
		return toCommitInfo(commitObj), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return CommitInfo{}, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSlideFiles(path, slides); err != nil {
		return CommitInfo{}, err
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return CommitInfo{}, fmt.Errorf("git add initial slides: %w", err)
	}
	hash, err := worktree.Commit("Import presentation baseline", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit initial slides: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) EnsureBranch(presentationID, branchName, fromBranch string) error {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func (s *Service) CommitSlides(presentationID, branchName string, slides []Slide, author, message string) (CommitInfo, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.commit(repo, branchName, slides, author, message, false)
	if err != nil {
		return CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) GetHeadSlides(presentationID, branchName string) ([]Slide, CommitInfo, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	slides, err := readSlidesFromCommit(commitObj)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	return slides, toCommitInfo(commitObj), nil
}

func (s *Service) GetSlidesByHash(presentationID, hash string) ([]Slide, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSlidesFromCommit(commitObj)
}

func (s *Service) History(presentationID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// MergeIntoBranch lands the head slides of sourceBranch on targetBranch
// as a single copy-commit. No three-way content merge is attempted.
func (s *Service) MergeIntoBranch(presentationID, sourceBranch, targetBranch, author, message string) (CommitInfo, error) {
	lock := s.presentationLock(presentationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(presentationID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve source branch %s: %w", sourceBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load source commit object: %w", err)
	}
	slides, err := readSlidesFromCommit(commitObj)
	if err != nil {
		return CommitInfo{}, err
	}

	mergeMessage := fmt.Sprintf(
		"%s\n\nmerge: source=%s target=%s actor=%s mode=copy-commit",
		message,
		sourceBranch,
		targetBranch,
		author,
	)
	hash, err := s.commit(repo, targetBranch, slides, author, mergeMessage, true)
	if err != nil {
		return CommitInfo{}, err
	}
	merged, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitInfo(merged), nil
}

func (s *Service) repoPath(presentationID string) string {
	return filepath.Join(s.baseDir, presentationID)
}

func (s *Service) presentationLock(presentationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[presentationID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[presentationID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, slides []Slide, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.RemoveAll(filepath.Join(repoRoot, "slides")); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("clear slides dir: %w", err)
	}
	if err := writeSlideFiles(repoRoot, slides); err != nil {
		return plumbing.ZeroHash, err
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add slides: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit slides: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func writeSlideFiles(repoRoot string, slides []Slide) error {
	dir := filepath.Join(repoRoot, "slides")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create slides dir: %w", err)
	}
	for _, slide := range slides {
		body := slideFileBody(slide)
		if err := os.WriteFile(filepath.Join(dir, slideFileName(slide.Number)), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write slide %d: %w", slide.Number, err)
		}
	}
	return nil
}

// slideFileBody prepends the title as an XML comment so a checkout is
// readable without the database.
func slideFileBody(slide Slide) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- title: %s -->\n", strings.ReplaceAll(slide.Title, "--", ""))
	b.WriteString(slide.XML)
	if !strings.HasSuffix(slide.XML, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

func slideFileName(number int) string {
	return fmt.Sprintf("slide-%03d.xml", number)
}

func readSlidesFromCommit(commitObj *object.Commit) ([]Slide, error) {
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("load commit tree: %w", err)
	}

	slides := make([]Slide, 0)
	err = tree.Files().ForEach(func(file *object.File) error {
		name := filepath.Base(file.Name)
		if !strings.HasPrefix(file.Name, "slides/") || !strings.HasSuffix(name, ".xml") {
			return nil
		}
		var number int
		if _, err := fmt.Sscanf(name, "slide-%03d.xml", &number); err != nil {
			return nil
		}
		contents, err := file.Contents()
		if err != nil {
			return fmt.Errorf("read %s: %w", file.Name, err)
		}
		title, xml := splitSlideFile(contents)
		slides = append(slides, Slide{Number: number, Title: title, XML: xml})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(slides, func(i, j int) bool { return slides[i].Number < slides[j].Number })
	return slides, nil
}

func splitSlideFile(contents string) (title, xml string) {
	const marker, markerEnd = "<!-- title: ", " -->\n"
	if strings.HasPrefix(contents, marker) {
		if end := strings.Index(contents, markerEnd); end >= 0 {
			title = contents[len(marker):end]
			contents = contents[end+len(markerEnd):]
		}
	}
	return title, strings.TrimSuffix(contents, "\n")
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.peerdiffx.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
