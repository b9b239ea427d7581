package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	writes   []PostEvent
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, v.(PostEvent))
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestHub() *Hub {
	return New(zap.NewNop(), Options{WriteWait: time.Second})
}

func TestBroadcastReachesAllUserConns(t *testing.T) {
	h := newTestHub()
	c1, c2 := &fakeConn{}, &fakeConn{}
	other := &fakeConn{}

	h.Register("u1", c1)
	h.Register("u1", c2)
	h.Register("u2", other)

	evt := PostEvent{Type: "new_post", PostID: "p1", AuthorID: "u9", Timestamp: 1000}
	h.BroadcastPost("u1", evt)

	require.Equal(t, []PostEvent{evt}, c1.writes)
	require.Equal(t, []PostEvent{evt}, c2.writes)
	require.Empty(t, other.writes)
}

func TestBroadcastToOfflineUserIsNoop(t *testing.T) {
	h := newTestHub()
	h.BroadcastPost("nobody", PostEvent{PostID: "p1"})
	require.Equal(t, 0, h.ConnCount("nobody"))
}

func TestBroadcastPrunesDeadConn(t *testing.T) {
	h := newTestHub()
	live := &fakeConn{}
	dead := &fakeConn{writeErr: errors.New("broken pipe")}

	h.Register("u1", live)
	h.Register("u1", dead)
	require.Equal(t, 2, h.ConnCount("u1"))

	h.BroadcastPost("u1", PostEvent{PostID: "p1"})

	require.True(t, dead.closed)
	require.Equal(t, 1, h.ConnCount("u1"))

	// 剔除后广播只剩活连接
	h.BroadcastPost("u1", PostEvent{PostID: "p2"})
	require.Len(t, live.writes, 2)
}

// 重连场景：旧连接注销清理和新连接注册并发，
// 新连接不能落进已摘除的连接集合里变成孤儿
func TestReconnectDuringCleanupKeepsFreshConn(t *testing.T) {
	h := newTestHub()
	for i := 0; i < 5000; i++ {
		old, fresh := &fakeConn{}, &fakeConn{}
		h.Register("u1", old)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Unregister("u1", old)
		}()
		go func() {
			defer wg.Done()
			h.Register("u1", fresh)
		}()
		wg.Wait()

		require.Equal(t, 1, h.ConnCount("u1"), "iteration %d", i)
		h.BroadcastPost("u1", PostEvent{PostID: "p1"})
		require.Len(t, fresh.writes, 1, "iteration %d", i)
		h.Unregister("u1", fresh)
	}
}

func TestUnregisterRemovesUserWhenLastConnLeaves(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}

	h.Register("u1", c)
	require.Equal(t, 1, h.ConnCount("u1"))

	h.Unregister("u1", c)
	require.Equal(t, 0, h.ConnCount("u1"))

	// 重复注销无害
	h.Unregister("u1", c)
	h.Unregister("ghost", c)
}
