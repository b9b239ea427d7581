package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedflow/config"
	"github.com/d60-Lab/feedflow/internal/hub"
	"github.com/d60-Lab/feedflow/internal/queue"
	"github.com/d60-Lab/feedflow/internal/repository"
	"github.com/d60-Lab/feedflow/internal/service"
	"github.com/d60-Lab/feedflow/pkg/database"
)

// 端到端扇出压测：发一条帖子，测从 Publish 到最后一个粉丝
// feed 可见的延迟。FOLLOWERS / REPEAT 由环境变量控制。
func main() {
	cfg, err := config.Load()
	if err != nil { panic(err) }
	db, err := database.InitDB(cfg)
	if err != nil { panic(err) }
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log := zap.NewNop()
	ctx := context.Background()

	FOLLOWERS := 200
	if s := os.Getenv("FOLLOWERS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { FOLLOWERS = v } }
	REPEAT := 20
	if s := os.Getenv("REPEAT"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { REPEAT = v } }

	socialRepo := repository.NewSocialRepository(db, rdb, repository.SocialRepositoryOptions{})
	feedRepo := repository.NewFeedRepository(db, rdb, repository.FeedRepositoryOptions{
		Capacity: cfg.Feed.Capacity,
		CacheTTL: cfg.Feed.CacheTTL,
	})

	author := "bench-author-" + uuid.New().String()[:8]
	followers := make([]string, FOLLOWERS)
	for i := range followers {
		followers[i] = fmt.Sprintf("%s-f%04d", author, i)
		if err := socialRepo.Follow(ctx, followers[i], author); err != nil { panic(err) }
	}

	q, err := queue.NewRedisQueue(ctx, rdb, log, queue.RedisQueueOptions{
		Stream: "bench:fanout:" + author,
		Group:  "bench",
	})
	if err != nil { panic(err) }
	defer q.Close()

	fanout := service.NewFanoutService(q, feedRepo, socialRepo, hub.New(log, hub.Options{}), log, service.FanoutOptions{
		Workers:      cfg.Fanout.Workers,
		ChunkSize:    cfg.Fanout.ChunkSize,
		WritesPerSec: cfg.Fanout.WritesPerSec,
	})
	stop := fanout.Start()
	defer stop(ctx)

	publisher := service.NewPublisher(db, q, log)

	// 最后一个粉丝可见即认为整轮扇出完成
	last := followers[FOLLOWERS-1]
	visible := func(postID string) bool {
		entries, _, _, err := feedRepo.Read(ctx, last, 0, 1)
		return err == nil && len(entries) > 0 && entries[0].PostID == postID
	}

	lats := make([]time.Duration, 0, REPEAT)
	for i := 0; i < REPEAT; i++ {
		st := time.Now()
		post, err := publisher.Publish(ctx, author, fmt.Sprintf("bench post %d", i))
		if err != nil { panic(err) }
		for !visible(post.ID) {
			time.Sleep(2 * time.Millisecond)
		}
		lats = append(lats, time.Since(st))
	}

	pct := func(vs []time.Duration, p float64) time.Duration {
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(float64(len(xs)) * p)
		if k < 0 { k = 0 }
		if k >= len(xs) { k = len(xs) - 1 }
		return xs[k]
	}

	var sum time.Duration
	for _, d := range lats { sum += d }
	fmt.Printf("FOLLOWERS=%d REPEAT=%d workers=%d chunk=%d\n", FOLLOWERS, REPEAT, cfg.Fanout.Workers, cfg.Fanout.ChunkSize)
	fmt.Printf("Publish -> last follower visible: avg=%v p95=%v p99=%v\n", sum/time.Duration(len(lats)), pct(lats, 0.95), pct(lats, 0.99))
}
