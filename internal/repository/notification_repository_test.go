package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

func TestNotificationRepository_OnePerStage(t *testing.T) {
	f := newFixture(t)
	p := f.project("acme")
	tx := f.tx(f.block(1, "0xb1"), "0xt1")

	content := model.JSONMap{"action": "deposit"}
	require.NoError(t, f.repos.Notification.Create(f.ctx, &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Content: content}))
	require.NoError(t, f.repos.Notification.Create(f.ctx, &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Confirmed: true, Content: content}))

	err := f.repos.Notification.Create(f.ctx, &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Confirmed: true, Content: content})
	assert.ErrorIs(t, err, ErrDuplicateNotification)

	list, err := f.repos.Notification.ListByTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "deposit", list[1].Content["action"])
}

func TestNotificationRepository_DuplicateInsideTransaction(t *testing.T) {
	f := newFixture(t)
	p := f.project("acme")
	tx := f.tx(f.block(1, "0xb1"), "0xt1")

	err := f.repos.WithTx(f.ctx, func(ctx context.Context) error {
		n := &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Content: model.JSONMap{}}
		require.NoError(t, f.repos.Notification.Create(ctx, n))
		dup := &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Content: model.JSONMap{}}
		assert.ErrorIs(t, f.repos.Notification.Create(ctx, dup), ErrDuplicateNotification)
		return nil
	})
	require.NoError(t, err)

	list, err := f.repos.Notification.ListByTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNotificationRepository_ListPending(t *testing.T) {
	f := newFixture(t)
	healthy := f.project("acme")
	failing := f.project("broken")
	inactive := f.project("paused")
	require.NoError(t, f.repos.DB(f.ctx).Model(&model.Project{}).Where("id = ?", inactive.ID).Update("active", false).Error)
	require.NoError(t, f.repos.DB(f.ctx).Model(&model.Project{}).Where("id = ?", failing.ID).Update("notification_failed_times", 32).Error)

	b := f.block(1, "0xb1")
	var created []*model.Notification
	for i, p := range []*model.Project{healthy, failing, inactive, healthy} {
		n := &model.Notification{ProjectID: p.ID, TransactionID: f.tx(b, fmt.Sprintf("0xt%d", i)).ID, Content: model.JSONMap{}}
		require.NoError(t, f.repos.Notification.Create(f.ctx, n))
		created = append(created, n)
	}
	require.NoError(t, f.repos.Notification.MarkNotified(f.ctx, created[3].ID, time.Now().UnixMilli()))
	assert.ErrorIs(t, f.repos.Notification.MarkNotified(f.ctx, created[3].ID, time.Now().UnixMilli()), ErrNotificationNotFound)

	pending, err := f.repos.Notification.ListPending(f.ctx, 32, 4)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, created[0].ID, pending[0].ID)
}

func TestProjectRepository_NotificationFailures(t *testing.T) {
	f := newFixture(t)
	p := f.project("acme")

	times, err := f.repos.Project.IncrNotificationFailures(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, times)
	times, err = f.repos.Project.IncrNotificationFailures(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, times)

	require.NoError(t, f.repos.Project.ResetNotificationFailures(f.ctx, p.ID))
	got, err := f.repos.Project.GetByID(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.NotificationFailedTimes)

	_, err = f.repos.Project.IncrNotificationFailures(f.ctx, p.ID+100)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestNotificationRepository_Claim(t *testing.T) {
	f := newFixture(t)
	p := f.project("acme")
	tx := f.tx(f.block(1, "0xb1"), "0xt1")
	n := &model.Notification{ProjectID: p.ID, TransactionID: tx.ID, Confirmed: true, Content: model.JSONMap{}}
	require.NoError(t, f.repos.Notification.Create(f.ctx, n))

	ok, err := f.repos.Notification.Claim(f.ctx, n.ID, 1000, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// 认领未过期
	ok, err = f.repos.Notification.Claim(f.ctx, n.ID, 2000, 500)
	require.NoError(t, err)
	assert.False(t, ok)

	// 认领早于 staleBefore 可被接管
	ok, err = f.repos.Notification.Claim(f.ctx, n.ID, 3000, 1500)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.repos.Notification.Unclaim(f.ctx, n.ID))
	ok, err = f.repos.Notification.Claim(f.ctx, n.ID, 4000, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已推送的通知不能再认领
	require.NoError(t, f.repos.Notification.MarkNotified(f.ctx, n.ID, 5000))
	ok, err = f.repos.Notification.Claim(f.ctx, n.ID, 6000, 10000)
	require.NoError(t, err)
	assert.False(t, ok)
}
