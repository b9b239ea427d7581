package queue

import (
	"context"
	"math"
	"time"
)

// FanOutMessage 扇出任务，由发帖服务投递，编排器消费
type FanOutMessage struct {
	Type      string `json:"type"` // new_post | delete_post
	PostID    string `json:"post_id"`
	AuthorID  string `json:"author_id"`
	Timestamp int64  `json:"timestamp"` // 毫秒时间戳
}

const (
	TypeNewPost    = "new_post"
	TypeDeletePost = "delete_post"
)

// Delivery 一次投递。消费方处理完后必须二选一：Ack 或 Retry。
// 超过可见性超时仍未确认的消息会被重新投递给其他消费者。
type Delivery struct {
	Msg FanOutMessage
	// Attempts 含本次在内的投递次数，从 1 开始
	Attempts int

	ack   func(ctx context.Context) error
	retry func(ctx context.Context, delay time.Duration) error
}

// NewDelivery 由具体传输实现组装投递
func NewDelivery(msg FanOutMessage, attempts int,
	ack func(ctx context.Context) error,
	retry func(ctx context.Context, delay time.Duration) error) *Delivery {
	return &Delivery{Msg: msg, Attempts: attempts, ack: ack, retry: retry}
}

func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Retry 延迟 delay 后重新投递；超过最大尝试次数由具体实现转入死信
func (d *Delivery) Retry(ctx context.Context, delay time.Duration) error {
	return d.retry(ctx, delay)
}

// Queue 至少一次投递的扇出队列
type Queue interface {
	Enqueue(ctx context.Context, msg FanOutMessage) error
	// Receive 返回至多 max 条投递，无消息时在内部阻塞窗口后返回空
	Receive(ctx context.Context, max int) ([]*Delivery, error)
	Close() error
}

// RetryDelay 指数退避：min(cap, base^attempts)，base 单位为秒。
// base 不足 1s 时按 1s 算，避免幂次随 attempts 递减。
func RetryDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base < time.Second {
		base = time.Second
	}
	sec := math.Pow(base.Seconds(), float64(attempts))
	if capSec := cap.Seconds(); sec > capSec || math.IsInf(sec, 1) {
		sec = capSec
	}
	return time.Duration(sec * float64(time.Second))
}
