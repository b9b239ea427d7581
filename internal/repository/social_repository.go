package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedflow/internal/model"
)

var ErrFollowSelf = errors.New("cannot follow self")

// SocialRepository 身份与关系链面。扇出只读 Followers；
// 实时连接准入前查 IsBanned；关注变更维护 follows + fans 双写冗余。
type SocialRepository interface {
	Followers(ctx context.Context, userID string) ([]string, error)
	IsBanned(ctx context.Context, userID string) (bool, error)
	Follow(ctx context.Context, followerID, followeeID string) error
	Unfollow(ctx context.Context, followerID, followeeID string) error
	ListFollowing(ctx context.Context, userID string, offset, limit int) ([]string, error)
	ListFans(ctx context.Context, userID string, offset, limit int) ([]string, error)
}

type SocialRepositoryOptions struct {
	FollowerPage int
	FollowerTTL  time.Duration
}

type socialRepository struct {
	db    *gorm.DB
	cache *redis.Client
	page  int
	ttl   time.Duration
}

func NewSocialRepository(db *gorm.DB, cache *redis.Client, opts SocialRepositoryOptions) SocialRepository {
	if opts.FollowerPage <= 0 {
		opts.FollowerPage = 500
	}
	if opts.FollowerTTL <= 0 {
		opts.FollowerTTL = 5 * time.Minute
	}
	return &socialRepository{db: db, cache: cache, page: opts.FollowerPage, ttl: opts.FollowerTTL}
}

func fansIndexKey(userID string) string { return fmt.Sprintf("fans:index:%s", userID) }
func bannedKey(userID string) string    { return fmt.Sprintf("user:banned:%s", userID) }

// Followers 一次性取全量粉丝 id。底层分页扫 fans 表，
// 结果整表挂 redis list 缓存。超大 V 的内存/延迟问题是已知限制。
func (s *socialRepository) Followers(ctx context.Context, userID string) ([]string, error) {
	key := fansIndexKey(userID)
	if ids, err := s.cache.LRange(ctx, key, 0, -1).Result(); err == nil && len(ids) > 0 {
		return ids, nil
	}

	var all []string
	offset := 0
	for {
		var page []string
		if err := s.db.WithContext(ctx).Model(&model.Fan{}).
			Where("user_id = ?", userID).
			Order("created_at DESC, id DESC").
			Offset(offset).Limit(s.page).
			Pluck("fan_id", &page).Error; err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < s.page {
			break
		}
		offset += s.page
	}

	if len(all) > 0 {
		members := make([]interface{}, len(all))
		for i, id := range all {
			members[i] = id
		}
		pipe := s.cache.Pipeline()
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, members...)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return all, nil
}

func (s *socialRepository) IsBanned(ctx context.Context, userID string) (bool, error) {
	if v, err := s.cache.Get(ctx, bannedKey(userID)).Result(); err == nil {
		return v == "1", nil
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 身份由外部服务背书，这里查不到就当未封禁
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v := "0"
	if user.Banned {
		v = "1"
	}
	_ = s.cache.Set(ctx, bannedKey(userID), v, s.ttl).Err()
	return user.Banned, nil
}

func (s *socialRepository) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return ErrFollowSelf
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f := &model.Follow{ID: uuid.New().String(), FollowerID: followerID, FolloweeID: followeeID}
		// 幂等：重复关注不报错
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error; err != nil {
			return err
		}
		fan := &model.Fan{ID: uuid.New().String(), UserID: followeeID, FanID: followerID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fan).Error
	})
	if err != nil {
		return err
	}
	return s.cache.Del(ctx, fansIndexKey(followeeID)).Err()
}

func (s *socialRepository) Unfollow(ctx context.Context, followerID, followeeID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
			Delete(&model.Follow{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND fan_id = ?", followeeID, followerID).
			Delete(&model.Fan{}).Error
	})
	if err != nil {
		return err
	}
	return s.cache.Del(ctx, fansIndexKey(followeeID)).Err()
}

func (s *socialRepository) ListFollowing(ctx context.Context, userID string, offset, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Follow{}).
		Where("follower_id = ?", userID).
		Offset(offset).Limit(limit).
		Pluck("followee_id", &ids).Error
	return ids, err
}

func (s *socialRepository) ListFans(ctx context.Context, userID string, offset, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Fan{}).
		Where("user_id = ?", userID).
		Offset(offset).Limit(limit).
		Pluck("fan_id", &ids).Error
	return ids, err
}
