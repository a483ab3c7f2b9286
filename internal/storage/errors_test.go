package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFound(t *testing.T) {
	id := uuid.MustParse("7b0e8c1e-8f7c-4a55-9b1e-0c7f3e7d2a10")

	err := NotFound("storage", EntityMission, id)
	assert.EqualError(t, err, "storage: mission 7b0e8c1e-8f7c-4a55-9b1e-0c7f3e7d2a10 not found")
	assert.ErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("queue mission: %w", NotFound("sqlite", EntityActiveAgent, "Writer"))
	assert.ErrorIs(t, wrapped, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, "sqlite", nf.Backend)
	assert.Equal(t, EntityActiveAgent, nf.Entity)
	assert.Equal(t, `"Writer"`, nf.Key)
}
