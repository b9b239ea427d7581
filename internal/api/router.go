package api

import (
	"net/http"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/feedflow/config"
	_ "github.com/d60-Lab/feedflow/docs"
	"github.com/d60-Lab/feedflow/internal/api/handler"
	"github.com/d60-Lab/feedflow/internal/api/middleware"
)

func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	// websocket 升级不能过 gzip
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/feed/live"})))
	r.Use(otelgin.Middleware("feedflow"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	auth := middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer)
	v1 := r.Group("/api/v1")
	{
		posts := v1.Group("/posts", auth)
		{
			posts.POST("", h.PublishPost)
			posts.DELETE("/:id", h.DeletePost)
		}

		feed := v1.Group("/feed", auth)
		{
			feed.GET("", h.ReadFeed)
			feed.GET("/live", h.FeedLive)
		}

		rel := v1.Group("/relations")
		{
			rel.POST("/follow", auth, h.Follow)
			rel.POST("/unfollow", auth, h.Unfollow)
			rel.GET("/:user_id/following", h.ListFollowing)
			rel.GET("/:user_id/fans", h.ListFans)
		}
	}
	return r
}
