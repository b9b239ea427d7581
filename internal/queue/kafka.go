package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue 是扇出队列的 Kafka 实现：按作者 id 做 hash 分区，
// 手动提交位点实现 ack，延迟重试走 retry topic（带 ready_at header），
// 由 RunRetryLoop 到期后搬回主 topic。
type KafkaQueue struct {
	writer      *kafka.Writer
	retryWriter *kafka.Writer
	deadWriter  *kafka.Writer
	reader      *kafka.Reader
	retryReader *kafka.Reader
	log         *zap.Logger

	maxAttempts int
	pollBlock   time.Duration
}

type KafkaQueueOptions struct {
	Brokers     []string
	Topic       string
	RetryTopic  string
	DeadTopic   string
	Group       string
	MaxAttempts int
	PollBlock   time.Duration
}

func NewKafkaQueue(log *zap.Logger, opts KafkaQueueOptions) *KafkaQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.PollBlock <= 0 {
		opts.PollBlock = 2 * time.Second
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}
	return &KafkaQueue{
		writer:      newWriter(opts.Topic),
		retryWriter: newWriter(opts.RetryTopic),
		deadWriter:  newWriter(opts.DeadTopic),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: opts.Brokers,
			GroupID: opts.Group,
			Topic:   opts.Topic,
		}),
		retryReader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: opts.Brokers,
			GroupID: opts.Group + "-retry",
			Topic:   opts.RetryTopic,
		}),
		log:         log,
		maxAttempts: opts.MaxAttempts,
		pollBlock:   opts.PollBlock,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, msg FanOutMessage) error {
	return q.produce(ctx, q.writer, msg, 0, time.Time{})
}

func (q *KafkaQueue) produce(ctx context.Context, w *kafka.Writer, msg FanOutMessage, attempts int, readyAt time.Time) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	headers := []kafka.Header{
		{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
	}
	if !readyAt.IsZero() {
		headers = append(headers, kafka.Header{
			Key: "ready_at", Value: []byte(strconv.FormatInt(readyAt.UnixMilli(), 10)),
		})
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.AuthorID),
		Value:   value,
		Headers: headers,
	})
}

func (q *KafkaQueue) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		max = 16
	}
	out := make([]*Delivery, 0, max)
	fetchCtx, cancel := context.WithTimeout(ctx, q.pollBlock)
	defer cancel()
	for len(out) < max {
		m, err := q.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return out, err
		}
		d, err := q.toDelivery(m)
		if err != nil {
			// 解析不了的消息原样转死信排查，不静默丢失
			q.log.Error("dead-letter malformed message", zap.Error(err))
			if err := q.deadLetterRaw(ctx, m); err != nil {
				q.log.Error("dead-letter malformed message", zap.Error(err))
				continue // 不提交位点，之后重拉
			}
			_ = q.reader.CommitMessages(ctx, m)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (q *KafkaQueue) toDelivery(m kafka.Message) (*Delivery, error) {
	var msg FanOutMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return nil, err
	}
	attempts := headerInt(m, "attempts") + 1

	return &Delivery{
		Msg:      msg,
		Attempts: attempts,
		ack: func(ctx context.Context) error {
			return q.reader.CommitMessages(ctx, m)
		},
		retry: func(ctx context.Context, delay time.Duration) error {
			if attempts >= q.maxAttempts {
				if err := q.produce(ctx, q.deadWriter, msg, attempts, time.Time{}); err != nil {
					return err
				}
				q.log.Error("message dead-lettered",
					zap.String("post_id", msg.PostID),
					zap.Int("attempts", attempts))
				return q.reader.CommitMessages(ctx, m)
			}
			if err := q.produce(ctx, q.retryWriter, msg, attempts, time.Now().Add(delay)); err != nil {
				return err
			}
			return q.reader.CommitMessages(ctx, m)
		},
	}, nil
}

// RunRetryLoop 消费 retry topic，等到 ready_at 后把消息搬回主 topic。
// 阻塞直到 ctx 取消。
func (q *KafkaQueue) RunRetryLoop(ctx context.Context) {
	for {
		m, err := q.retryReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			q.log.Warn("fetch retry message", zap.Error(err))
			continue
		}
		if readyAt := headerInt64(m, "ready_at"); readyAt > 0 {
			wait := time.Until(time.UnixMilli(readyAt))
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
		var msg FanOutMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			q.log.Error("dead-letter malformed retry message", zap.Error(err))
			if err := q.deadLetterRaw(ctx, m); err != nil {
				q.log.Warn("dead-letter malformed retry message", zap.Error(err))
				continue
			}
			_ = q.retryReader.CommitMessages(ctx, m)
			continue
		}
		if err := q.produce(ctx, q.writer, msg, headerInt(m, "attempts"), time.Time{}); err != nil {
			q.log.Warn("requeue retry message", zap.Error(err))
			continue // 不提交位点，之后重拉
		}
		_ = q.retryReader.CommitMessages(ctx, m)
	}
}

// deadLetterRaw 把无法解析的消息原样写入死信 topic
func (q *KafkaQueue) deadLetterRaw(ctx context.Context, m kafka.Message) error {
	return q.deadWriter.WriteMessages(ctx, kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Headers: m.Headers,
	})
}

func headerInt(m kafka.Message, key string) int {
	return int(headerInt64(m, key))
}

func headerInt64(m kafka.Message, key string) int64 {
	for _, h := range m.Headers {
		if h.Key == key {
			v, _ := strconv.ParseInt(string(h.Value), 10, 64)
			return v
		}
	}
	return 0
}

func (q *KafkaQueue) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{q.writer, q.retryWriter, q.deadWriter, q.reader, q.retryReader} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
