package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	assert.Equal(t, 30*time.Second, RetryDelay(1, base, cap))
	assert.Equal(t, 900*time.Second, RetryDelay(2, base, cap))
	// 30^3 秒已经超过一小时，封顶
	assert.Equal(t, time.Hour, RetryDelay(3, base, cap))
	assert.Equal(t, time.Hour, RetryDelay(100, base, cap))

	// attempts < 1 当作 1
	assert.Equal(t, 30*time.Second, RetryDelay(0, base, cap))
}

func TestRetryDelaySubSecondBaseFloored(t *testing.T) {
	// base < 1s 时幂次会随 attempts 递减，按 1s 兜底
	cap := time.Hour
	for attempts := 1; attempts <= 10; attempts++ {
		d := RetryDelay(attempts, 100*time.Millisecond, cap)
		assert.Equal(t, time.Second, d, "attempts=%d", attempts)
	}
}

func TestRetryDelayMonotonic(t *testing.T) {
	base := 5 * time.Second
	cap := 30 * time.Minute
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := RetryDelay(attempts, base, cap)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, cap, "attempts=%d", attempts)
		prev = d
	}
}
