package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Service executes full-text search against the sync_documents table using
// PostgreSQL plainto_tsquery over the generated fts column. Documents are
// opaque client JSON, so only string values are indexed; soft-deleted
// documents are excluded.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Search(ctx context.Context, q Query) (*Response, error) {
	response := &Response{Results: []Result{}, Query: q.Text}
	if strings.TrimSpace(q.Text) == "" {
		return response, nil
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `account_id = $1 AND NOT is_deleted AND fts @@ plainto_tsquery('english', $2)`
	args := []any{q.AccountID, q.Text}
	if q.Collection != "" {
		where += ` AND collection = $3`
		args = append(args, q.Collection)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sync_documents WHERE `+where, args...,
	).Scan(&response.Total); err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}
	if response.Total == 0 {
		return response, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT collection, id,
			COALESCE(data->>'title', data->>'name', '') AS title,
			ts_headline('english', COALESCE(data->>'body', data->>'content', data->>'title', ''),
				plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30') AS snippet,
			sync_version, updated_at
		FROM sync_documents
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $2)) DESC, updated_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result Result
		if err := rows.Scan(
			&result.Collection,
			&result.DocumentID,
			&result.Title,
			&result.Snippet,
			&result.SyncVersion,
			&result.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		response.Results = append(response.Results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return response, nil
}
