package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedisQueue(t *testing.T, maxAttempts int) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewRedisQueue(context.Background(), rdb, zap.NewNop(), RedisQueueOptions{
		Stream:      "test:fanout",
		Group:       "fanout",
		MaxAttempts: maxAttempts,
		PollBlock:   -1, // 测试里不阻塞
	})
	require.NoError(t, err)
	return q, rdb
}

func TestRedisQueueEnqueueReceiveAck(t *testing.T) {
	q, rdb := setupRedisQueue(t, 8)
	ctx := context.Background()

	msg := FanOutMessage{Type: TypeNewPost, PostID: "p1", AuthorID: "u1", Timestamp: 1000}
	require.NoError(t, q.Enqueue(ctx, msg))

	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, msg, ds[0].Msg)
	require.Equal(t, 1, ds[0].Attempts)

	require.NoError(t, ds[0].Ack(ctx))

	// ack 后消息彻底出队
	require.EqualValues(t, 0, rdb.XLen(ctx, "test:fanout").Val())
	ds, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ds)
}

func TestRedisQueueRetryRedelivers(t *testing.T) {
	q, _ := setupRedisQueue(t, 8)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, FanOutMessage{Type: TypeNewPost, PostID: "p1", AuthorID: "u1"}))

	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	// 延迟 0 立即到期，下一次 Receive 的 promote 阶段搬回主 stream
	require.NoError(t, ds[0].Retry(ctx, 0))

	ds, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "p1", ds[0].Msg.PostID)
	require.Equal(t, 2, ds[0].Attempts)
}

func TestRedisQueueRetryDelayNotDueYet(t *testing.T) {
	q, rdb := setupRedisQueue(t, 8)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, FanOutMessage{Type: TypeNewPost, PostID: "p1", AuthorID: "u1"}))
	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	require.NoError(t, ds[0].Retry(ctx, time.Hour))

	// 未到期：主 stream 空，retry 集合里挂着
	ds, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ds)
	require.EqualValues(t, 1, rdb.ZCard(ctx, "test:fanout:retry").Val())
}

func TestRedisQueueMalformedGoesToDeadStream(t *testing.T) {
	q, rdb := setupRedisQueue(t, 8)
	ctx := context.Background()

	// 直接塞一条 body 不是 JSON 的消息
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:fanout",
		Values: map[string]interface{}{"id": "x", "body": "{not json", "attempts": "0"},
	}).Err())

	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ds)

	// 不能静默丢失：原样进死信，主 stream 清空
	require.EqualValues(t, 1, rdb.XLen(ctx, "test:fanout:dead").Val())
	require.EqualValues(t, 0, rdb.XLen(ctx, "test:fanout").Val())
}

// 处理器挂死（既不 Ack 也不 Retry）的投递经可见性超时抢回时
// 也要累加 attempts，最终同样走死信，而不是无限循环
func TestRedisQueueReclaimCountsHungAttempts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewRedisQueue(context.Background(), rdb, zap.NewNop(), RedisQueueOptions{
		Stream:            "test:fanout",
		Group:             "fanout",
		MaxAttempts:       3,
		VisibilityTimeout: time.Nanosecond,
		PollBlock:         -1,
	})
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now()
	mr.SetTime(now)

	require.NoError(t, q.Enqueue(ctx, FanOutMessage{Type: TypeNewPost, PostID: "p1", AuthorID: "u1"}))

	for want := 1; want <= 3; want++ {
		now = now.Add(time.Second) // 让 pending 超过可见性超时
		mr.SetTime(now)
		ds, err := q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ds, 1, "attempt %d", want)
		require.Equal(t, want, ds[0].Attempts)
		// 不 Ack 不 Retry，模拟处理器挂死
	}

	now = now.Add(time.Second)
	mr.SetTime(now)
	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ds)
	require.EqualValues(t, 1, rdb.XLen(ctx, "test:fanout:dead").Val())
	require.EqualValues(t, 0, rdb.XLen(ctx, "test:fanout").Val())
}

func TestRedisQueueDeadLetterAfterMaxAttempts(t *testing.T) {
	q, rdb := setupRedisQueue(t, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, FanOutMessage{Type: TypeDeletePost, PostID: "p1", AuthorID: "u1"}))

	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Retry(ctx, 0))

	ds, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, 2, ds[0].Attempts)

	// 第二次失败达到上限，转入死信
	require.NoError(t, ds[0].Retry(ctx, 0))
	require.EqualValues(t, 1, rdb.XLen(ctx, "test:fanout:dead").Val())
	require.EqualValues(t, 0, rdb.XLen(ctx, "test:fanout").Val())
	require.EqualValues(t, 0, rdb.ZCard(ctx, "test:fanout:retry").Val())
}
