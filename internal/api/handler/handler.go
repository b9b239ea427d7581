package handler

import (
	"go.uber.org/zap"

	"github.com/d60-Lab/feedflow/config"
	"github.com/d60-Lab/feedflow/internal/hub"
	"github.com/d60-Lab/feedflow/internal/repository"
	"github.com/d60-Lab/feedflow/internal/service"
)

type Handler struct {
	publisher  *service.Publisher
	relService service.RelationshipService
	feedRepo   repository.FeedRepository
	socialRepo repository.SocialRepository
	hub        *hub.Hub
	hubCfg     config.HubConfig
	log        *zap.Logger
}

func New(
	publisher *service.Publisher,
	relService service.RelationshipService,
	feedRepo repository.FeedRepository,
	socialRepo repository.SocialRepository,
	h *hub.Hub,
	hubCfg config.HubConfig,
	log *zap.Logger,
) *Handler {
	return &Handler{
		publisher:  publisher,
		relService: relService,
		feedRepo:   feedRepo,
		socialRepo: socialRepo,
		hub:        h,
		hubCfg:     hubCfg,
		log:        log,
	}
}
