package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across presentations and comments
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPresentation {
		presWhere := "p.fts @@ " + tsQuery
		if q.FilterPresentationID != "" {
			presWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterPresentationID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'presentation'::text AS type, p.id, p.name AS title,
				''::text AS snippet,
				p.id AS presentation_id, ''::text AS slide_id,
				ts_rank(p.fts, %s) AS rank
			FROM presentations p
			WHERE %s`, tsQuery, presWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.fts @@ " + tsQuery
		if q.FilterPresentationID != "" {
			commentWhere += fmt.Sprintf(" AND b.presentation_id = $%d", argN)
			args = append(args, q.FilterPresentationID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, 'Comment'::text AS title,
				ts_headline('english', coalesce(c.message, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.presentation_id, c.slide_id,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			JOIN slides s ON s.id = c.slide_id
			JOIN commits cm ON cm.id = s.commit_id
			JOIN branches b ON b.id = cm.branch_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, presentation_id, slide_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PresentationID, &r.SlideID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PresentationRecord, []CommentRecord, error) {
	presRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, owner_id
		FROM presentations
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load presentations: %w", err)
	}
	defer presRows.Close()

	presentations := make([]PresentationRecord, 0)
	for presRows.Next() {
		var record PresentationRecord
		if err := presRows.Scan(&record.ID, &record.Name, &record.OwnerID); err != nil {
			return nil, nil, fmt.Errorf("scan presentation: %w", err)
		}
		presentations = append(presentations, record)
	}
	if err := presRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate presentations: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.message, c.slide_id, b.presentation_id, c.resolved
		FROM comments c
		JOIN slides s ON s.id = c.slide_id
		JOIN commits cm ON cm.id = s.commit_id
		JOIN branches b ON b.id = cm.branch_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var record CommentRecord
		if err := commentRows.Scan(&record.ID, &record.Message, &record.SlideID, &record.PresentationID, &record.Resolved); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, record)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return presentations, comments, nil
}
