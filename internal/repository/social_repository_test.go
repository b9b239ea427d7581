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

func setupSocialRepo(t *testing.T) (SocialRepository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Follow{}, &model.Fan{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewSocialRepository(db, rdb, SocialRepositoryOptions{
		FollowerPage: 2, // 小分页，覆盖多页扫表
		FollowerTTL:  time.Minute,
	}), db
}

func TestFollowAndFollowers(t *testing.T) {
	repo, _ := setupSocialRepo(t)
	ctx := context.Background()

	for _, follower := range []string{"u2", "u3", "u4", "u5", "u6"} {
		require.NoError(t, repo.Follow(ctx, follower, "u1"))
	}
	// 重复关注幂等
	require.NoError(t, repo.Follow(ctx, "u2", "u1"))

	followers, err := repo.Followers(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u2", "u3", "u4", "u5", "u6"}, followers)
}

func TestFollowSelfRejected(t *testing.T) {
	repo, _ := setupSocialRepo(t)
	require.ErrorIs(t, repo.Follow(context.Background(), "u1", "u1"), ErrFollowSelf)
}

func TestUnfollowInvalidatesFollowerCache(t *testing.T) {
	repo, _ := setupSocialRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Follow(ctx, "u2", "u1"))
	require.NoError(t, repo.Follow(ctx, "u3", "u1"))

	followers, err := repo.Followers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, followers, 2)

	require.NoError(t, repo.Unfollow(ctx, "u3", "u1"))
	followers, err = repo.Followers(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, followers)
}

func TestFollowersServedFromCache(t *testing.T) {
	repo, db := setupSocialRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Follow(ctx, "u2", "u1"))
	_, err := repo.Followers(ctx, "u1")
	require.NoError(t, err)

	// 绕过 repo 直接写 fans：缓存未失效，结果不变
	require.NoError(t, db.Create(&model.Fan{ID: "direct", UserID: "u1", FanID: "u9"}).Error)
	followers, err := repo.Followers(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, followers)
}

func TestIsBanned(t *testing.T) {
	repo, db := setupSocialRepo(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.User{ID: "u1", Username: "u1", Banned: true}).Error)
	require.NoError(t, db.Create(&model.User{ID: "u2", Username: "u2"}).Error)

	banned, err := repo.IsBanned(ctx, "u1")
	require.NoError(t, err)
	require.True(t, banned)

	banned, err = repo.IsBanned(ctx, "u2")
	require.NoError(t, err)
	require.False(t, banned)

	// 身份未落库的调用方按未封禁处理
	banned, err = repo.IsBanned(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestListFansPaging(t *testing.T) {
	repo, _ := setupSocialRepo(t)
	ctx := context.Background()

	for _, follower := range []string{"u2", "u3", "u4"} {
		require.NoError(t, repo.Follow(ctx, follower, "u1"))
	}

	page1, err := repo.ListFans(ctx, "u1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := repo.ListFans(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	following, err := repo.ListFollowing(ctx, "u2", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, following)
}
