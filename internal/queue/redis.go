package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue 基于 Redis Streams 的扇出队列。
// XADD 入队，consumer group 消费；ack = XACK + XDEL；
// 延迟重试进 ZSET，由 promoteDue 到期后搬回 stream；
// 超过可见性超时的 pending 消息用 XAUTOCLAIM 抢回。
type RedisQueue struct {
	rdb      *redis.Client
	log      *zap.Logger
	stream   string
	group    string
	consumer string

	retryKey    string
	deadStream  string
	visibility  time.Duration
	maxAttempts int
	pollBlock   time.Duration
}

type RedisQueueOptions struct {
	Stream            string
	Group             string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	// PollBlock 为 Receive 的阻塞窗口；负值表示不阻塞（测试用）
	PollBlock time.Duration
}

func NewRedisQueue(ctx context.Context, rdb *redis.Client, log *zap.Logger, opts RedisQueueOptions) (*RedisQueue, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.PollBlock == 0 {
		opts.PollBlock = 2 * time.Second
	}
	q := &RedisQueue{
		rdb:         rdb,
		log:         log,
		stream:      opts.Stream,
		group:       opts.Group,
		consumer:    "c-" + uuid.New().String()[:8],
		retryKey:    opts.Stream + ":retry",
		deadStream:  opts.Stream + ":dead",
		visibility:  opts.VisibilityTimeout,
		maxAttempts: opts.MaxAttempts,
		pollBlock:   opts.PollBlock,
	}
	// 幂等建组
	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}
	return q, nil
}

type envelope struct {
	ID       string        `json:"id"`
	Body     FanOutMessage `json:"body"`
	Attempts int           `json:"attempts"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg FanOutMessage) error {
	return q.add(ctx, q.stream, envelope{ID: uuid.New().String(), Body: msg, Attempts: 0})
}

func (q *RedisQueue) add(ctx context.Context, stream string, env envelope) error {
	body, err := json.Marshal(env.Body)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"id":       env.ID,
			"body":     string(body),
			"attempts": env.Attempts,
		},
	}).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		max = 16
	}
	if err := q.promoteDue(ctx, max); err != nil {
		q.log.Warn("promote retry messages", zap.Error(err))
	}

	if err := q.reclaimExpired(ctx, max); err != nil {
		q.log.Warn("reclaim expired deliveries", zap.Error(err))
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.pollBlock,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		d, err := q.toDelivery(m)
		if err != nil {
			// 解析不了的消息转死信排查，不静默丢失
			q.log.Error("dead-letter malformed message", zap.String("id", m.ID), zap.Error(err))
			if err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.deadStream, Values: m.Values}).Err(); err != nil {
				q.log.Error("dead-letter malformed message", zap.Error(err))
				continue // 不确认，留给可见性超时重投
			}
			_ = q.settle(ctx, m.ID)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (q *RedisQueue) parseEnvelope(m redis.XMessage) (envelope, error) {
	var msg FanOutMessage
	body, _ := m.Values["body"].(string)
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return envelope{}, err
	}
	attempts := 0
	if s, ok := m.Values["attempts"].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	id, _ := m.Values["id"].(string)
	return envelope{ID: id, Body: msg, Attempts: attempts}, nil
}

func (q *RedisQueue) toDelivery(m redis.XMessage) (*Delivery, error) {
	env, err := q.parseEnvelope(m)
	if err != nil {
		return nil, err
	}
	msg := env.Body
	streamID := m.ID
	env.Attempts++ // 本次投递

	return &Delivery{
		Msg:      msg,
		Attempts: env.Attempts,
		ack: func(ctx context.Context) error {
			return q.settle(ctx, streamID)
		},
		retry: func(ctx context.Context, delay time.Duration) error {
			if env.Attempts >= q.maxAttempts {
				if err := q.add(ctx, q.deadStream, env); err != nil {
					return err
				}
				q.log.Error("message dead-lettered",
					zap.String("post_id", msg.PostID),
					zap.Int("attempts", env.Attempts))
				return q.settle(ctx, streamID)
			}
			payload, err := json.Marshal(env)
			if err != nil {
				return err
			}
			readyAt := float64(time.Now().Add(delay).UnixMilli())
			if err := q.rdb.ZAdd(ctx, q.retryKey, redis.Z{Score: readyAt, Member: string(payload)}).Err(); err != nil {
				return err
			}
			return q.settle(ctx, streamID)
		},
	}, nil
}

// settle 把消息从 pending 和 stream 里都清掉
func (q *RedisQueue) settle(ctx context.Context, streamID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, streamID)
	pipe.XDel(ctx, q.stream, streamID)
	_, err := pipe.Exec(ctx)
	return err
}

// promoteDue 把到期的延迟重试消息搬回主 stream
func (q *RedisQueue) promoteDue(ctx context.Context, max int) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: int64(max),
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		// 先删后投：同一成员只会被一个 promoter 抢到
		removed, err := q.rdb.ZRem(ctx, q.retryKey, m).Result()
		if err != nil || removed == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			q.log.Error("dead-letter malformed retry entry", zap.Error(err))
			_ = q.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: q.deadStream,
				Values: map[string]interface{}{"body": m},
			}).Err()
			continue
		}
		if err := q.add(ctx, q.stream, env); err != nil {
			// 投递失败放回去，等下一轮
			_ = q.rdb.ZAdd(ctx, q.retryKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: m}).Err()
			return err
		}
	}
	return nil
}

// reclaimExpired 抢回超过可见性超时仍未确认的投递，按挂死的那次
// 尝试累加 attempts 后重新入队；累加后到达上限的直接转死信。
// 处理器一直挂死的消息因此不会以同一 attempts 无限循环。
func (q *RedisQueue) reclaimExpired(ctx context.Context, max int) error {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, m := range msgs {
		env, err := q.parseEnvelope(m)
		if err != nil {
			q.log.Error("dead-letter malformed message", zap.String("id", m.ID), zap.Error(err))
			if err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.deadStream, Values: m.Values}).Err(); err != nil {
				q.log.Error("dead-letter malformed message", zap.Error(err))
				continue
			}
			_ = q.settle(ctx, m.ID)
			continue
		}
		env.Attempts++ // 挂死的那次投递也计入
		if env.Attempts >= q.maxAttempts {
			if err := q.add(ctx, q.deadStream, env); err != nil {
				return err
			}
			q.log.Error("message dead-lettered",
				zap.String("post_id", env.Body.PostID),
				zap.Int("attempts", env.Attempts))
			_ = q.settle(ctx, m.ID)
			continue
		}
		if err := q.add(ctx, q.stream, env); err != nil {
			return err
		}
		_ = q.settle(ctx, m.ID)
	}
	return nil
}

func (q *RedisQueue) Close() error { return nil }
