package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedflow/internal/model"
)

func setupFeedRepo(t *testing.T, capacity int) (FeedRepository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.FeedEntry{}, &model.FeedTombstone{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewFeedRepository(db, rdb, FeedRepositoryOptions{
		Capacity: capacity,
		CacheTTL: time.Minute,
	}), db
}

func entry(userID, postID string, ts int64) model.FeedEntry {
	return model.FeedEntry{
		UserID:    userID,
		PostID:    postID,
		AuthorID:  "author",
		Source:    model.SourceFollow,
		Timestamp: ts,
	}
}

func TestAddEntryIdempotent(t *testing.T) {
	repo, _ := setupFeedRepo(t, 100)
	ctx := context.Background()

	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 1000)))
	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 1000)))

	entries, _, hasMore, err := repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, hasMore)
	require.Equal(t, "p1", entries[0].PostID)
}

func TestReadOrderingAndCursor(t *testing.T) {
	repo, _ := setupFeedRepo(t, 100)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.AddEntry(ctx, entry("u1", fmt.Sprintf("p%d", i), i*100)))
	}

	entries, cursor, hasMore, err := repo.Read(ctx, "u1", 0, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Equal(t, []string{"p5", "p4"}, postIDs(entries))
	require.EqualValues(t, 400, cursor)

	entries, cursor, hasMore, err = repo.Read(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Equal(t, []string{"p3", "p2"}, postIDs(entries))

	entries, _, hasMore, err = repo.Read(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Equal(t, []string{"p1"}, postIDs(entries))
}

func TestReadServedFromCacheUntilInvalidated(t *testing.T) {
	repo, db := setupFeedRepo(t, 100)
	ctx := context.Background()

	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 100)))
	entries, _, _, err := repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 绕过 repo 直接插库：缓存没失效，读仍是旧窗口
	fresh := entry("u1", "p2", 200)
	fresh.ID = "direct"
	require.NoError(t, db.Create(&fresh).Error)

	entries, _, _, err = repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, postIDs(entries))

	// 正常写路径会失效缓存，下次读能看到全部
	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p3", 300)))
	entries, _, _, err = repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"p3", "p2", "p1"}, postIDs(entries))
}

func TestCapacityTrimKeepsNewest(t *testing.T) {
	repo, _ := setupFeedRepo(t, 3)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.AddEntry(ctx, entry("u1", fmt.Sprintf("p%d", i), i*100)))
	}

	entries, _, hasMore, err := repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Equal(t, []string{"p5", "p4", "p3"}, postIDs(entries))
}

func TestRemoveEntryIdempotent(t *testing.T) {
	repo, _ := setupFeedRepo(t, 100)
	ctx := context.Background()

	// 删不存在的不报错
	require.NoError(t, repo.RemoveEntry(ctx, "u1", "ghost", 100))

	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 100)))
	require.NoError(t, repo.RemoveEntry(ctx, "u1", "p1", 200))
	require.NoError(t, repo.RemoveEntry(ctx, "u1", "p1", 200))

	entries, _, _, err := repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTombstoneFencesStaleAdd(t *testing.T) {
	repo, _ := setupFeedRepo(t, 100)
	ctx := context.Background()

	// 乱序：delete 先到
	require.NoError(t, repo.RemoveEntry(ctx, "u1", "p1", 1000))

	// 迟到的 new_post 带更旧的时间戳，不能复活
	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 900)))
	entries, _, _, err := repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	// 真正的新内容（时间戳更新）不受旧墓碑阻拦
	require.NoError(t, repo.AddEntry(ctx, entry("u1", "p1", 1100)))
	entries, _, _, err = repo.Read(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSweepTombstones(t *testing.T) {
	repo, db := setupFeedRepo(t, 100)
	ctx := context.Background()

	require.NoError(t, repo.RemoveEntry(ctx, "u1", "p1", 1000))
	var cnt int64
	require.NoError(t, db.Model(&model.FeedTombstone{}).Count(&cnt).Error)
	require.EqualValues(t, 1, cnt)

	require.NoError(t, repo.SweepTombstones(ctx, time.Now().Add(time.Minute)))
	require.NoError(t, db.Model(&model.FeedTombstone{}).Count(&cnt).Error)
	require.EqualValues(t, 0, cnt)
}

func postIDs(entries []model.FeedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.PostID
	}
	return out
}
