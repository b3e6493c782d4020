package orgs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/estimator-billing/internal/testdb"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
)

func TestRepository_CreateFindExists(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	org := &models.Org{Name: "Acme Estimating", Active: true}
	require.NoError(t, repo.Create(ctx, org))
	require.NotEqual(t, uuid.Nil, org.ID)

	found, err := repo.FindByID(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Acme Estimating", found.Name)

	ok, err := repo.Exists(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	missing, err := repo.FindByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err = repo.Exists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}
