package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/testutil"
)

func TestExecutionRepository(t *testing.T) {
	repo := NewExecutionRepository(testutil.NewDB(t))
	ctx := context.Background()

	latest, err := repo.GetLatestByJobName(ctx, "confirm")
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Now().UnixMilli()
	for i, status := range []model.JobStatus{model.JobStatusSuccess, model.JobStatusFailed, model.JobStatusSuccess} {
		exec := &model.JobExecution{JobName: "confirm", Status: model.JobStatusRunning, StartedAt: base + int64(i)}
		require.NoError(t, repo.Create(ctx, exec))
		exec.Status = status
		require.NoError(t, repo.Update(ctx, exec))
	}

	latest, err = repo.GetLatestByJobName(ctx, "confirm")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, base+2, latest.StartedAt)

	count, err := repo.CountByJobNameAndStatus(ctx, "confirm", model.JobStatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	list, err := repo.ListByJobName(ctx, "confirm", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
