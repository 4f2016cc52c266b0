package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Presentations

func (s *PostgresStore) ListPresentations(ctx context.Context) ([]Presentation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, source_key, created_at, updated_at
		FROM presentations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list presentations: %w", err)
	}
	defer rows.Close()

	items := make([]Presentation, 0)
	for rows.Next() {
		var item Presentation
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.SourceKey, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan presentation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presentations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPresentation(ctx context.Context, presentationID string) (Presentation, error) {
	var item Presentation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, source_key, created_at, updated_at
		FROM presentations
		WHERE id=$1
	`, presentationID).Scan(&item.ID, &item.Name, &item.OwnerID, &item.SourceKey, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Presentation{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPresentation(ctx context.Context, item Presentation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presentations (id, name, owner_id, source_key)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Name, item.OwnerID, item.SourceKey)
	if err != nil {
		return fmt.Errorf("insert presentation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPresentationSource(ctx context.Context, presentationID, sourceKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE presentations SET source_key=$2, updated_at=NOW() WHERE id=$1
	`, presentationID, sourceKey)
	if err != nil {
		return fmt.Errorf("set presentation source: %w", err)
	}
	return nil
}

// DeletePresentationCascade removes a presentation and everything under it
// with explicit ordered deletes inside one transaction: comments, diffs,
// slides, commits, branches, snapshots, access grants, then the
// presentation row itself. Foreign keys are deliberately not declared with
// ON DELETE CASCADE so this order stays the single source of truth.
func (s *PostgresStore) DeletePresentationCascade(ctx context.Context, presentationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}

	steps := []struct {
		name  string
		query string
	}{
		{"comments", `
			DELETE FROM comments WHERE slide_id IN (
				SELECT sl.id FROM slides sl
				JOIN commits c ON c.id = sl.commit_id
				JOIN branches b ON b.id = c.branch_id
				WHERE b.presentation_id = $1
			)`},
		{"diffs", `
			DELETE FROM diffs WHERE base_slide_id IN (
				SELECT sl.id FROM slides sl
				JOIN commits c ON c.id = sl.commit_id
				JOIN branches b ON b.id = c.branch_id
				WHERE b.presentation_id = $1
			) OR compare_slide_id IN (
				SELECT sl.id FROM slides sl
				JOIN commits c ON c.id = sl.commit_id
				JOIN branches b ON b.id = c.branch_id
				WHERE b.presentation_id = $1
			)`},
		{"slides", `
			DELETE FROM slides WHERE commit_id IN (
				SELECT c.id FROM commits c
				JOIN branches b ON b.id = c.branch_id
				WHERE b.presentation_id = $1
			)`},
		{"commits", `
			DELETE FROM commits WHERE branch_id IN (
				SELECT id FROM branches WHERE presentation_id = $1
			)`},
		{"branches", `DELETE FROM branches WHERE presentation_id = $1`},
		{"snapshots", `DELETE FROM snapshots WHERE presentation_id = $1`},
		{"access", `DELETE FROM presentation_access WHERE presentation_id = $1`},
		{"presentation", `DELETE FROM presentations WHERE id = $1`},
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, presentationID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cascade delete %s: %w", step.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Branches

func (s *PostgresStore) ListBranches(ctx context.Context, presentationID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, presentation_id, name, description, is_default, created_at
		FROM branches
		WHERE presentation_id=$1
		ORDER BY created_at ASC, id ASC
	`, presentationID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var item Branch
		if err := rows.Scan(&item.ID, &item.PresentationID, &item.Name, &item.Description, &item.IsDefault, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var item Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, presentation_id, name, description, is_default, created_at
		FROM branches
		WHERE id=$1
	`, branchID).Scan(&item.ID, &item.PresentationID, &item.Name, &item.Description, &item.IsDefault, &item.CreatedAt)
	if err != nil {
		return Branch{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertBranch(ctx context.Context, item Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, presentation_id, name, description, is_default)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.PresentationID, item.Name, item.Description, item.IsDefault)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

// FindDefaultBranch returns the branch flagged is_default, falling back to
// the first branch in creation order when no flag is set. sql.ErrNoRows
// when the presentation has no branches at all.
func (s *PostgresStore) FindDefaultBranch(ctx context.Context, presentationID string) (Branch, error) {
	var item Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, presentation_id, name, description, is_default, created_at
		FROM branches
		WHERE presentation_id=$1
		ORDER BY is_default DESC, created_at ASC, id ASC
		LIMIT 1
	`, presentationID).Scan(&item.ID, &item.PresentationID, &item.Name, &item.Description, &item.IsDefault, &item.CreatedAt)
	if err != nil {
		return Branch{}, err
	}
	return item, nil
}

func (s *PostgresStore) BranchCount(ctx context.Context, presentationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE presentation_id=$1`, presentationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count branches: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Commits

// ListCommits orders by created_at descending with the id as a deterministic
// tie-break, so "latest" is always well defined even for equal timestamps.
func (s *PostgresStore) ListCommits(ctx context.Context, branchID string) ([]Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, message, author_id, kind, archive_ref, created_at
		FROM commits
		WHERE branch_id=$1
		ORDER BY created_at DESC, id DESC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	items := make([]Commit, 0)
	for rows.Next() {
		var item Commit
		if err := rows.Scan(&item.ID, &item.BranchID, &item.Message, &item.AuthorID, &item.Kind, &item.ArchiveRef, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	var item Commit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, message, author_id, kind, archive_ref, created_at
		FROM commits
		WHERE id=$1
	`, commitID).Scan(&item.ID, &item.BranchID, &item.Message, &item.AuthorID, &item.Kind, &item.ArchiveRef, &item.CreatedAt)
	if err != nil {
		return Commit{}, err
	}
	return item, nil
}

// LatestCommit returns the newest commit on a branch, nil when the branch
// has no commits yet.
func (s *PostgresStore) LatestCommit(ctx context.Context, branchID string) (*Commit, error) {
	var item Commit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, message, author_id, kind, archive_ref, created_at
		FROM commits
		WHERE branch_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, branchID).Scan(&item.ID, &item.BranchID, &item.Message, &item.AuthorID, &item.Kind, &item.ArchiveRef, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest commit: %w", err)
	}
	return &item, nil
}

// InsertCommitWithSlides writes a commit row and its full slide set in one
// transaction, so a commit is never visible without its slides.
func (s *PostgresStore) InsertCommitWithSlides(ctx context.Context, commit Commit, slides []Slide) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits (id, branch_id, message, author_id, kind, archive_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, commit.ID, commit.BranchID, commit.Message, commit.AuthorID, commit.Kind, commit.ArchiveRef); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert commit: %w", err)
	}

	for _, slide := range slides {
		content := slide.Content
		if len(content) == 0 {
			content = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slides (id, commit_id, slide_number, title, content, xml_content)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		`, slide.ID, commit.ID, slide.SlideNumber, slide.Title, string(content), slide.XMLContent); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert slide %d: %w", slide.SlideNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit slides tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Slides

func (s *PostgresStore) ListSlides(ctx context.Context, commitID string) ([]Slide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, commit_id, slide_number, title, content, xml_content
		FROM slides
		WHERE commit_id=$1
		ORDER BY slide_number ASC
	`, commitID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	defer rows.Close()

	items := make([]Slide, 0)
	for rows.Next() {
		var item Slide
		var content []byte
		if err := rows.Scan(&item.ID, &item.CommitID, &item.SlideNumber, &item.Title, &content, &item.XMLContent); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		item.Content = content
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slides: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSlide(ctx context.Context, slideID string) (Slide, error) {
	var item Slide
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, commit_id, slide_number, title, content, xml_content
		FROM slides
		WHERE id=$1
	`, slideID).Scan(&item.ID, &item.CommitID, &item.SlideNumber, &item.Title, &content, &item.XMLContent)
	if err != nil {
		return Slide{}, err
	}
	item.Content = content
	return item, nil
}

// GetSlideByNumber resolves a commit's slide by its 1-based position.
func (s *PostgresStore) GetSlideByNumber(ctx context.Context, commitID string, slideNumber int) (Slide, error) {
	var item Slide
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, commit_id, slide_number, title, content, xml_content
		FROM slides
		WHERE commit_id=$1 AND slide_number=$2
	`, commitID, slideNumber).Scan(&item.ID, &item.CommitID, &item.SlideNumber, &item.Title, &content, &item.XMLContent)
	if err != nil {
		return Slide{}, err
	}
	item.Content = content
	return item, nil
}

// ---------------------------------------------------------------------------
// Diffs

func (s *PostgresStore) GetCachedDiff(ctx context.Context, baseSlideID, compareSlideID string) (*SlideDiff, error) {
	var item SlideDiff
	var hunks, elements []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, base_slide_id, compare_slide_id, hunks, elements, created_at
		FROM diffs
		WHERE base_slide_id=$1 AND compare_slide_id=$2
	`, baseSlideID, compareSlideID).Scan(&item.ID, &item.BaseSlideID, &item.CompareSlideID, &hunks, &elements, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached diff: %w", err)
	}
	item.Hunks = hunks
	item.Elements = elements
	return &item, nil
}

func (s *PostgresStore) SaveDiff(ctx context.Context, item SlideDiff) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diffs (id, base_slide_id, compare_slide_id, hunks, elements)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		ON CONFLICT (base_slide_id, compare_slide_id)
		DO UPDATE SET hunks=EXCLUDED.hunks, elements=EXCLUDED.elements, created_at=NOW()
	`, item.ID, item.BaseSlideID, item.CompareSlideID, string(item.Hunks), string(item.Elements))
	if err != nil {
		return fmt.Errorf("save diff: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Comments

func (s *PostgresStore) ListComments(ctx context.Context, slideID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slide_id, user_id, parent_id, message, resolved, created_at, updated_at
		FROM comments
		WHERE slide_id=$1
		ORDER BY created_at ASC
	`, slideID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.SlideID, &item.UserID, &item.ParentID, &item.Message, &item.Resolved, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slide_id, user_id, parent_id, message, resolved, created_at, updated_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.SlideID, &item.UserID, &item.ParentID, &item.Message, &item.Resolved, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, slide_id, user_id, parent_id, message)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.SlideID, item.UserID, item.ParentID, item.Message)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT resolved
	`, commentID)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve comment rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteComment removes a comment together with its direct replies.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete comment tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE parent_id=$1`, commentID); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete comment replies: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete comment tx: %w", err)
	}
	return affected > 0, nil
}

// ---------------------------------------------------------------------------
// Snapshots

func (s *PostgresStore) InsertSnapshot(ctx context.Context, item Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, presentation_id, commit_id, slide_id, custom_title, password_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.PresentationID, item.CommitID, item.SlideID, item.CustomTitle, item.PasswordHash, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	var item Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, presentation_id, commit_id, slide_id, custom_title, password_hash,
			access_count, last_accessed_at, expires_at, created_at
		FROM snapshots
		WHERE id=$1
	`, snapshotID).Scan(
		&item.ID,
		&item.PresentationID,
		&item.CommitID,
		&item.SlideID,
		&item.CustomTitle,
		&item.PasswordHash,
		&item.AccessCount,
		&item.LastAccessedAt,
		&item.ExpiresAt,
		&item.CreatedAt,
	)
	if err != nil {
		return Snapshot{}, err
	}
	return item, nil
}

func (s *PostgresStore) TouchSnapshotAccess(ctx context.Context, snapshotID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE snapshots SET access_count=access_count+1, last_accessed_at=NOW()
		WHERE id=$1
	`, snapshotID)
	if err != nil {
		return fmt.Errorf("touch snapshot access: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Access grants

func (s *PostgresStore) UpsertAccessGrant(ctx context.Context, item AccessGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presentation_access (id, presentation_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (presentation_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_at=NOW()
	`, item.ID, item.PresentationID, item.UserID, item.Role)
	if err != nil {
		return fmt.Errorf("upsert access grant: %w", err)
	}
	return nil
}

// AccessRole returns the granted role for a user on a presentation, empty
// string when no grant exists.
func (s *PostgresStore) AccessRole(ctx context.Context, presentationID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM presentation_access WHERE presentation_id=$1 AND user_id=$2
	`, presentationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read access role: %w", err)
	}
	return role, nil
}
