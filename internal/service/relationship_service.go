package service

import (
	"context"

	"github.com/d60-Lab/feedflow/internal/repository"
)

// RelationshipService 关系链服务。关注变更由 SocialRepository
// 维护 follows + fans 双写，这里只做参数整形。
type RelationshipService interface {
	Follow(ctx context.Context, fromUserID, toUserID string) error
	Unfollow(ctx context.Context, fromUserID, toUserID string) error
	ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error)
	ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error)
}

type relationshipService struct {
	social repository.SocialRepository
}

func NewRelationshipService(social repository.SocialRepository) RelationshipService {
	return &relationshipService{social: social}
}

func (s *relationshipService) Follow(ctx context.Context, fromUserID, toUserID string) error {
	return s.social.Follow(ctx, fromUserID, toUserID)
}

func (s *relationshipService) Unfollow(ctx context.Context, fromUserID, toUserID string) error {
	return s.social.Unfollow(ctx, fromUserID, toUserID)
}

func (s *relationshipService) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	offset, limit := pageRange(page, pageSize)
	return s.social.ListFollowing(ctx, userID, offset, limit)
}

func (s *relationshipService) ListFans(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	offset, limit := pageRange(page, pageSize)
	return s.social.ListFans(ctx, userID, offset, limit)
}

func pageRange(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return (page - 1) * pageSize, pageSize
}
