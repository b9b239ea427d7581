package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PostEvent 推给在线客户端的帖子元数据
type PostEvent struct {
	Type      string `json:"type"`
	PostID    string `json:"post_id"`
	AuthorID  string `json:"author_id"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// Conn 是 hub 对连接的最小要求，*websocket.Conn 直接满足
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	WriteWait time.Duration
}

// Hub 按用户维护在线连接集合。每个用户的注册/剔除/广播
// 都在该用户的锁内串行，用户之间没有共享可变状态。
type Hub struct {
	mu        sync.RWMutex
	users     map[string]*userHub
	writeWait time.Duration
	log       *zap.Logger
}

type userHub struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
	// removed 置位后该 userHub 已从 users 表摘除，不能再挂新连接
	removed bool
}

func New(log *zap.Logger, opts Options) *Hub {
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	return &Hub{
		users:     make(map[string]*userHub),
		writeWait: opts.WriteWait,
		log:       log,
	}
}

func (h *Hub) Register(userID string, c Conn) {
	for {
		h.mu.Lock()
		uh, ok := h.users[userID]
		if !ok {
			uh = &userHub{conns: make(map[Conn]struct{})}
			h.users[userID] = uh
		}
		h.mu.Unlock()

		uh.mu.Lock()
		if uh.removed {
			// 拿到的是并发 Unregister 刚摘除的空壳，重取
			uh.mu.Unlock()
			continue
		}
		uh.conns[c] = struct{}{}
		uh.mu.Unlock()
		return
	}
}

func (h *Hub) Unregister(userID string, c Conn) {
	h.mu.Lock()
	uh, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	uh.mu.Lock()
	delete(uh.conns, c)
	empty := len(uh.conns) == 0
	uh.mu.Unlock()

	if empty {
		h.mu.Lock()
		// 其间可能有新连接注册进来，再查一次
		uh.mu.Lock()
		if len(uh.conns) == 0 {
			uh.removed = true
			delete(h.users, userID)
		}
		uh.mu.Unlock()
		h.mu.Unlock()
	}
}

// BroadcastPost 把事件发给该用户的所有在线连接。
// 写失败的连接就地关闭剔除，永远不向调用方报错。
func (h *Hub) BroadcastPost(userID string, evt PostEvent) {
	h.mu.RLock()
	uh, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	uh.mu.Lock()
	defer uh.mu.Unlock()
	for c := range uh.conns {
		_ = c.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err := c.WriteJSON(evt); err != nil {
			h.log.Debug("prune dead connection",
				zap.String("user_id", userID), zap.Error(err))
			_ = c.Close()
			delete(uh.conns, c)
		}
	}
}

// ConnCount 当前在线连接数（监控/测试用）
func (h *Hub) ConnCount(userID string) int {
	h.mu.RLock()
	uh, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	uh.mu.Lock()
	defer uh.mu.Unlock()
	return len(uh.conns)
}
