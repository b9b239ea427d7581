package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/feedflow/internal/hub"
	"github.com/d60-Lab/feedflow/internal/model"
	"github.com/d60-Lab/feedflow/internal/queue"
)

// FeedStore 是编排器眼中的单用户时间线存储
type FeedStore interface {
	AddEntry(ctx context.Context, entry model.FeedEntry) error
	RemoveEntry(ctx context.Context, userID, postID string, timestamp int64) error
}

// SocialGraph 提供作者的粉丝集合
type SocialGraph interface {
	Followers(ctx context.Context, userID string) ([]string, error)
}

// Broadcaster 实时推送面。广播是 best-effort，接口不返回错误。
type Broadcaster interface {
	BroadcastPost(userID string, evt hub.PostEvent)
}

type FanoutOptions struct {
	Workers      int
	ChunkSize    int
	WritesPerSec int
	ReceiveBatch int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// HandleTimeout 单条消息的处理上限，超时交给队列重投
	HandleTimeout time.Duration
}

// FanoutService 消费 FanOutMessage 并把每个受影响的
// Feed Store / Push Hub 收敛到新状态。本身不持有任何跨消息状态。
type FanoutService struct {
	q       queue.Queue
	feeds   FeedStore
	social  SocialGraph
	hub     Broadcaster
	limiter *rate.Limiter
	log     *zap.Logger
	opts    FanoutOptions
}

func NewFanoutService(q queue.Queue, feeds FeedStore, social SocialGraph, b Broadcaster, log *zap.Logger, opts FanoutOptions) *FanoutService {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5
	}
	if opts.ReceiveBatch <= 0 {
		opts.ReceiveBatch = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = time.Hour
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = time.Minute
	}
	limit := rate.Inf
	if opts.WritesPerSec > 0 {
		limit = rate.Limit(opts.WritesPerSec)
	}
	return &FanoutService{
		q:       q,
		feeds:   feeds,
		social:  social,
		hub:     b,
		limiter: rate.NewLimiter(limit, opts.ChunkSize),
		log:     log,
		opts:    opts,
	}
}

// Start 启动消费 worker，返回停止函数
func (s *FanoutService) Start() func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx)
		}()
	}
	return func(context.Context) error {
		cancel()
		wg.Wait()
		return nil
	}
}

func (s *FanoutService) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := s.q.Receive(ctx, s.opts.ReceiveBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("receive fan-out messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			s.process(ctx, d)
		}
	}
}

// process 处理一条投递：成功整体 ack，失败整体退避重投，没有部分确认
func (s *FanoutService) process(ctx context.Context, d *queue.Delivery) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandleTimeout)
	err := s.Handle(hctx, d.Msg)
	cancel()

	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			// ack 失败会导致重投，子操作幂等，重复执行无害
			s.log.Warn("ack fan-out message", zap.Error(ackErr))
		}
		return
	}

	delay := queue.RetryDelay(d.Attempts, s.opts.BackoffBase, s.opts.BackoffCap)
	s.log.Error("fan-out failed, scheduling retry",
		zap.String("type", d.Msg.Type),
		zap.String("post_id", d.Msg.PostID),
		zap.String("author_id", d.Msg.AuthorID),
		zap.Int("attempts", d.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	if d.Attempts >= s.opts.MaxAttempts {
		sentry.CaptureException(fmt.Errorf("fan-out exhausted retries: post=%s type=%s attempts=%d: %w",
			d.Msg.PostID, d.Msg.Type, d.Attempts, err))
	}
	if retryErr := d.Retry(ctx, delay); retryErr != nil {
		// 重投也失败就交给可见性超时兜底
		s.log.Error("schedule retry", zap.Error(retryErr))
	}
}

func (s *FanoutService) Handle(ctx context.Context, msg queue.FanOutMessage) error {
	switch msg.Type {
	case queue.TypeNewPost:
		return s.handleNewPost(ctx, msg)
	case queue.TypeDeletePost:
		return s.handleDeletePost(ctx, msg)
	default:
		return fmt.Errorf("unknown fan-out message type: %q", msg.Type)
	}
}

func (s *FanoutService) handleNewPost(ctx context.Context, msg queue.FanOutMessage) error {
	// 先写作者自己的 feed：哪怕后面全挂，作者也能立刻看到自己的帖子
	if err := s.addEntry(ctx, msg.AuthorID, msg, model.SourceOwn); err != nil {
		return err
	}

	followers, err := s.social.Followers(ctx, msg.AuthorID)
	if err != nil {
		return err
	}
	followers = exclude(followers, msg.AuthorID)

	return s.eachChunk(followers, func(chunk []string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.ChunkSize)
		for _, uid := range chunk {
			uid := uid
			g.Go(func() error {
				if err := s.addEntry(gctx, uid, msg, model.SourceFollow); err != nil {
					return err
				}
				s.broadcastAsync(uid, msg)
				return nil
			})
		}
		return g.Wait()
	})
}

func (s *FanoutService) handleDeletePost(ctx context.Context, msg queue.FanOutMessage) error {
	if err := s.removeEntry(ctx, msg.AuthorID, msg); err != nil {
		return err
	}
	followers, err := s.social.Followers(ctx, msg.AuthorID)
	if err != nil {
		return err
	}
	followers = exclude(followers, msg.AuthorID)

	// 删除不推实时通知
	return s.eachChunk(followers, func(chunk []string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.ChunkSize)
		for _, uid := range chunk {
			uid := uid
			g.Go(func() error {
				return s.removeEntry(gctx, uid, msg)
			})
		}
		return g.Wait()
	})
}

func (s *FanoutService) addEntry(ctx context.Context, userID string, msg queue.FanOutMessage, source string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.feeds.AddEntry(ctx, model.FeedEntry{
		UserID:    userID,
		PostID:    msg.PostID,
		AuthorID:  msg.AuthorID,
		Source:    source,
		Timestamp: msg.Timestamp,
	})
}

func (s *FanoutService) removeEntry(ctx context.Context, userID string, msg queue.FanOutMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.feeds.RemoveEntry(ctx, userID, msg.PostID, msg.Timestamp)
}

// broadcastAsync 实时推送是 best-effort：独立 goroutine，
// 任何失败都不影响扇出主路径
func (s *FanoutService) broadcastAsync(userID string, msg queue.FanOutMessage) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("broadcast panic", zap.Any("panic", r))
			}
		}()
		s.hub.BroadcastPost(userID, hub.PostEvent{
			Type:      queue.TypeNewPost,
			PostID:    msg.PostID,
			AuthorID:  msg.AuthorID,
			Source:    model.SourceFollow,
			Timestamp: msg.Timestamp,
		})
	}()
}

// eachChunk 固定大小分块，块间严格串行，块内并发
func (s *FanoutService) eachChunk(ids []string, fn func(chunk []string) error) error {
	for start := 0; start < len(ids); start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func exclude(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
