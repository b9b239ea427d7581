package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedflow/internal/model"
	"github.com/d60-Lab/feedflow/internal/queue"
)

var ErrNotPostAuthor = errors.New("not the post author")

// Publisher 落地帖子并投递扇出消息
type Publisher struct {
	db  *gorm.DB
	q   queue.Queue
	log *zap.Logger
}

func NewPublisher(db *gorm.DB, q queue.Queue, log *zap.Logger) *Publisher {
	return &Publisher{db: db, q: q, log: log}
}

func (p *Publisher) Publish(ctx context.Context, authorID, content string) (*model.Post, error) {
	now := time.Now()
	post := &model.Post{
		ID:        uuid.New().String(),
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.db.WithContext(ctx).Create(post).Error; err != nil {
		return nil, err
	}
	err := p.q.Enqueue(ctx, queue.FanOutMessage{
		Type:      queue.TypeNewPost,
		PostID:    post.ID,
		AuthorID:  authorID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		// 帖子已落库但没进队列，调用方重试会生成新帖
		p.log.Error("enqueue new_post", zap.String("post_id", post.ID), zap.Error(err))
		return nil, err
	}
	return post, nil
}

// Delete 幂等删除：帖子已不存在视为成功，仅作者本人可删
func (p *Publisher) Delete(ctx context.Context, authorID, postID string) error {
	var post model.Post
	err := p.db.WithContext(ctx).Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if post.AuthorID != authorID {
		return ErrNotPostAuthor
	}
	if err := p.db.WithContext(ctx).Where("id = ?", postID).Delete(&model.Post{}).Error; err != nil {
		return err
	}
	return p.q.Enqueue(ctx, queue.FanOutMessage{
		Type:      queue.TypeDeletePost,
		PostID:    postID,
		AuthorID:  authorID,
		Timestamp: time.Now().UnixMilli(),
	})
}
