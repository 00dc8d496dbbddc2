package db

import (
	"context"
	"fmt"

	"dailyprompt/internal/types"
)

// ContentRepository reads the content catalog. It also serves as the
// default content selector: the first eligible item in id order.
type ContentRepository struct {
	db DBTX
}

// NewContentRepository creates a new ContentRepository backed by the given
// database connection (pool or transaction).
func NewContentRepository(db DBTX) *ContentRepository {
	return &ContentRepository{db: db}
}

// GetContent returns a content item or a not_found_content error.
func (r *ContentRepository) GetContent(ctx context.Context, contentID string) (*types.Content, error) {
	var c types.Content
	err := r.db.QueryRow(ctx,
		`SELECT id, category, body, answer FROM content WHERE id = $1`,
		contentID,
	).Scan(&c.ID, &c.Category, &c.Body, &c.Answer)
	if noRows(err) {
		return nil, types.NewAppError(types.ErrCodeNotFoundContent,
			fmt.Sprintf("content %s not found", contentID), nil)
	}
	if err != nil {
		return nil, dbError("failed to get content", err)
	}
	return &c, nil
}

// SelectContent returns the first content item not in excluded, restricted
// to categoryHint when it is set. Returns nil when nothing is eligible.
func (r *ContentRepository) SelectContent(ctx context.Context, _ string, excluded []string, categoryHint string) (*types.Content, error) {
	if excluded == nil {
		// A NULL array would make the NOT ANY predicate NULL for every row.
		excluded = []string{}
	}
	var c types.Content
	err := r.db.QueryRow(ctx,
		`SELECT id, category, body, answer
		 FROM content
		 WHERE NOT (id = ANY($1))
		   AND ($2::text = '' OR category = $2::text)
		 ORDER BY id
		 LIMIT 1`,
		excluded,
		categoryHint,
	).Scan(&c.ID, &c.Category, &c.Body, &c.Answer)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to select content", err)
	}
	return &c, nil
}
