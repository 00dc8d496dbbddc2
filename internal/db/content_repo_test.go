package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dailyprompt/internal/types"
)

func TestContentRepository_SelectContent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewContentRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("NOT (id = ANY($1))", "ORDER BY id"), []any{[]string{"c1"}, "trivia"}).
		Return(rowOf("c2", "trivia", "Largest ocean?", "Pacific"))

	c, err := repo.SelectContent(ctx, "r1", []string{"c1"}, "trivia")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c2", c.ID)
	assert.Equal(t, "Pacific", c.Answer)
	db.AssertExpectations(t)
}

func TestContentRepository_SelectContent_NilExclusionIsEmptyArray(t *testing.T) {
	db := new(mockDBTX)
	repo := NewContentRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{[]string{}, ""}).
		Return(rowOf("c1", "", "Hello", ""))

	c, err := repo.SelectContent(ctx, "r1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	db.AssertExpectations(t)
}

func TestContentRepository_SelectContent_Exhausted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewContentRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	c, err := repo.SelectContent(ctx, "r1", []string{"c1", "c2"}, "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestContentRepository_GetContent_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewContentRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetContent(ctx, "nope")
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundContent))
}
