package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedflow/internal/model"
)

// FeedRepository 单用户时间线存储。写操作全部幂等：
// 重复投递同一 post 是 no-op，删除不存在的条目也是 no-op。
type FeedRepository interface {
	AddEntry(ctx context.Context, entry model.FeedEntry) error
	RemoveEntry(ctx context.Context, userID, postID string, timestamp int64) error
	// Read 返回严格早于 cursor 的至多 limit 条（cursor=0 取最新），
	// 按时间戳倒序，附下一页 cursor 和 hasMore
	Read(ctx context.Context, userID string, cursor int64, limit int) ([]model.FeedEntry, int64, bool, error)
	SweepTombstones(ctx context.Context, olderThan time.Time) error
}

type FeedRepositoryOptions struct {
	Capacity int
	CacheTTL time.Duration
}

type feedRepository struct {
	db       *gorm.DB
	cache    *redis.Client
	capacity int
	ttl      time.Duration
}

func NewFeedRepository(db *gorm.DB, cache *redis.Client, opts FeedRepositoryOptions) FeedRepository {
	if opts.Capacity <= 0 {
		opts.Capacity = 800
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &feedRepository{db: db, cache: cache, capacity: opts.Capacity, ttl: opts.CacheTTL}
}

func feedCacheKey(userID string) string { return fmt.Sprintf("feed:index:%s", userID) }

func (r *feedRepository) AddEntry(ctx context.Context, entry model.FeedEntry) error {
	// 删除栅栏：已经见过同帖更新（或相同）时间戳的 remove，不再复活
	var fenced int64
	if err := r.db.WithContext(ctx).Model(&model.FeedTombstone{}).
		Where("user_id = ? AND post_id = ? AND timestamp >= ?", entry.UserID, entry.PostID, entry.Timestamp).
		Count(&fenced).Error; err != nil {
		return err
	}
	if fenced > 0 {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	// 幂等：同 (user, post) 重复写入即 no-op
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return err
	}
	if err := r.trim(ctx, entry.UserID); err != nil {
		return err
	}
	return r.invalidate(ctx, entry.UserID)
}

// trim 按容量上限淘汰最旧的条目
func (r *feedRepository) trim(ctx context.Context, userID string) error {
	var surplus []string
	if err := r.db.WithContext(ctx).Model(&model.FeedEntry{}).
		Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		Offset(r.capacity).Limit(1000).
		Pluck("id", &surplus).Error; err != nil {
		return err
	}
	if len(surplus) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", surplus).Delete(&model.FeedEntry{}).Error
}

func (r *feedRepository) RemoveEntry(ctx context.Context, userID, postID string, timestamp int64) error {
	tomb := model.FeedTombstone{
		ID:        uuid.New().String(),
		UserID:    userID,
		PostID:    postID,
		Timestamp: timestamp,
	}
	// 重复投递的 delete 带同一时间戳，DoNothing 足够
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tomb).Error; err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Delete(&model.FeedEntry{}).Error; err != nil {
		return err
	}
	return r.invalidate(ctx, userID)
}

func (r *feedRepository) invalidate(ctx context.Context, userID string) error {
	return r.cache.Del(ctx, feedCacheKey(userID)).Err()
}

func (r *feedRepository) Read(ctx context.Context, userID string, cursor int64, limit int) ([]model.FeedEntry, int64, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	entries, ok := r.readCache(ctx, userID, cursor, limit)
	if !ok {
		// cache miss：加载整个保留窗口并回填
		window, err := r.loadWindow(ctx, userID)
		if err != nil {
			return nil, 0, false, err
		}
		r.warmCache(ctx, userID, window)
		entries = pageWindow(window, cursor, limit)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	var next int64
	if len(entries) > 0 {
		next = entries[len(entries)-1].Timestamp
	}
	return entries, next, hasMore, nil
}

// readCache 从 redis ZSET 取一页；取 limit+1 条用于判断 hasMore
func (r *feedRepository) readCache(ctx context.Context, userID string, cursor int64, limit int) ([]model.FeedEntry, bool) {
	key := feedCacheKey(userID)
	exists, err := r.cache.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return nil, false
	}
	max := "+inf"
	if cursor > 0 {
		max = "(" + strconv.FormatInt(cursor, 10)
	}
	members, err := r.cache.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: max, Offset: 0, Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, false
	}
	entries := make([]model.FeedEntry, 0, len(members))
	for _, m := range members {
		var e model.FeedEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, false
		}
		e.UserID = userID
		entries = append(entries, e)
	}
	return entries, true
}

func (r *feedRepository) loadWindow(ctx context.Context, userID string) ([]model.FeedEntry, error) {
	var rows []model.FeedEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		Limit(r.capacity).
		Find(&rows).Error
	return rows, err
}

func (r *feedRepository) warmCache(ctx context.Context, userID string, window []model.FeedEntry) {
	if len(window) == 0 {
		return
	}
	key := feedCacheKey(userID)
	zs := make([]redis.Z, 0, len(window))
	for _, e := range window {
		payload, err := json.Marshal(e)
		if err != nil {
			return
		}
		zs = append(zs, redis.Z{Score: float64(e.Timestamp), Member: string(payload)})
	}
	pipe := r.cache.Pipeline()
	pipe.Del(ctx, key)
	pipe.ZAdd(ctx, key, zs...)
	pipe.Expire(ctx, key, r.ttl)
	_, _ = pipe.Exec(ctx)
}

func pageWindow(window []model.FeedEntry, cursor int64, limit int) []model.FeedEntry {
	out := make([]model.FeedEntry, 0, limit+1)
	for _, e := range window {
		if cursor > 0 && e.Timestamp >= cursor {
			continue
		}
		out = append(out, e)
		if len(out) == limit+1 {
			break
		}
	}
	return out
}

func (r *feedRepository) SweepTombstones(ctx context.Context, olderThan time.Time) error {
	return r.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&model.FeedTombstone{}).Error
}
