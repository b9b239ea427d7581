package model

import "time"

// FeedEntry 来源标签
const (
	SourceOwn    = "own"    // 自己发布
	SourceFollow = "follow" // 关注的人发布
	SourceFoF    = "fof"    // 好友的好友 / 二跳放大
)

// FeedEntry 个人时间线项（按 user_id 切分）
type FeedEntry struct {
	ID       string `gorm:"primaryKey;type:varchar(36)" json:"-"`
	UserID   string `gorm:"type:varchar(36);index:idx_feed_user;uniqueIndex:ux_feed_user_post" json:"-"`
	PostID   string `gorm:"type:varchar(36);uniqueIndex:ux_feed_user_post" json:"post_id"`
	AuthorID string `gorm:"type:varchar(36)" json:"author_id"`
	// 复合唯一键 ux_feed_user_post = (user_id, post_id)，重复投递落库即为 no-op
	Source    string    `gorm:"type:varchar(8)" json:"source"`
	Timestamp int64     `gorm:"index:idx_feed_user_ts" json:"timestamp"` // 毫秒时间戳，排序键
	CreatedAt time.Time `json:"-"`
}

func (FeedEntry) TableName() string { return "feed_entries" }

// FeedTombstone 删除栅栏：记录 remove-entry 见过的时间戳，
// 阻止乱序到达的旧 new_post 复活已删除的帖子
type FeedTombstone struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `gorm:"type:varchar(36);uniqueIndex:ux_tomb_user_post"`
	PostID    string    `gorm:"type:varchar(36);uniqueIndex:ux_tomb_user_post"`
	Timestamp int64
	CreatedAt time.Time `gorm:"index"` // 保留窗口过期后清扫
}

func (FeedTombstone) TableName() string { return "feed_tombstones" }
