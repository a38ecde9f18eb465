package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
)

func fixedClock(ts string) func() time.Time {
	t, _ := time.Parse(time.RFC3339, ts)
	return func() time.Time { return t }
}

func TestBackend_InsertAssignsIDsAndTimestamps(t *testing.T) {
	b := New("a").WithClock(fixedClock("2024-02-03T04:05:06Z"))
	ctx := context.Background()

	first, err := b.Insert(ctx, &models.Customer{ID: -5, CustomerName: "A", SyncedAt: "x"})
	require.NoError(t, err)
	second, err := b.Insert(ctx, &models.Customer{ID: -6, CustomerName: "B"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, "2024-02-03T04:05:06.000Z", first.CreatedAt)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)
	assert.Empty(t, first.SyncedAt)
	assert.Equal(t, 2, b.Len())
}

func TestBackend_UpdateIgnoresEmptyValues(t *testing.T) {
	b := New("a").WithClock(fixedClock("2024-02-03T04:05:06Z"))
	b.Seed(&models.Customer{ID: 4, CustomerName: "A", Notes: "keep", UpdatedAt: "2024-01-01T00:00:00.000Z"})

	out, err := b.Update(context.Background(), 4, models.Patch{"notes": "", "status": "新", "isLocal": true})
	require.NoError(t, err)

	assert.Equal(t, "keep", out.Notes)
	assert.Equal(t, "新", out.Status)
	assert.False(t, out.IsLocal)
	assert.Equal(t, "2024-02-03T04:05:06.000Z", out.UpdatedAt)

	_, err = b.Update(context.Background(), 99, models.Patch{"status": "x"})
	assert.True(t, remote.IsNotFound(err))
}

func TestBackend_QueryOrdersByUpdatedAtDesc(t *testing.T) {
	b := New("a")
	b.Seed(&models.Customer{ID: 1, OwnerID: 7, UpdatedAt: "2024-01-01T00:00:00.000Z"})
	b.Seed(&models.Customer{ID: 2, OwnerID: 7, UpdatedAt: "2024-03-01T00:00:00.000Z"})
	b.Seed(&models.Customer{ID: 3, OwnerID: 8, UpdatedAt: "2024-02-01T00:00:00.000Z"})

	owner := int64(7)
	out, err := b.Query(context.Background(), remote.Query{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].ID)
	assert.Equal(t, int64(1), out[1].ID)
}

func TestBackend_SetDown(t *testing.T) {
	b := New("b")
	ctx := context.Background()

	b.SetDown(true, remote.OpInsert)
	_, err := b.Insert(ctx, &models.Customer{})
	assert.True(t, errors.Is(err, errors.ErrRemoteUnavailable))
	assert.Equal(t, 503, remote.StatusOf(err))

	_, err = b.Query(ctx, remote.Query{})
	assert.NoError(t, err)

	b.SetDown(true)
	_, err = b.Query(ctx, remote.Query{})
	assert.ErrorIs(t, err, ErrDown)

	b.SetDown(false)
	b.SetDown(false, remote.OpInsert)
	_, err = b.Insert(ctx, &models.Customer{})
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Calls(remote.OpInsert))
}

func TestBackend_DeleteAndHistory(t *testing.T) {
	b := New("a")
	ctx := context.Background()
	b.Seed(&models.Customer{ID: 1})

	_, err := b.AddNextStep(ctx, &models.NextStepHistory{CustomerID: 1, NextStep: "first"})
	require.NoError(t, err)
	_, err = b.AddNextStep(ctx, &models.NextStepHistory{CustomerID: 1, NextStep: "second"})
	require.NoError(t, err)

	hist, err := b.ListNextSteps(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "second", hist[0].NextStep)

	require.NoError(t, b.Delete(ctx, 1))
	assert.True(t, remote.IsNotFound(b.Delete(ctx, 1)))
	hist, err = b.ListNextSteps(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Nil(t, b.Snapshot(1))
}
