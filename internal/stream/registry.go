package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionActive 对话已有进行中的生成会话
var ErrSessionActive = errors.New("a generation session is already active for this conversation")

// Session 一次进行中的生成会话（仅运行期，不持久化）
// 协调器独占所有权；注册表只按 ID 保存弱引用供查找和取消
type Session struct {
	ConversationID string

	mu        sync.Mutex
	messageID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Context 会话的取消信号
// 生成循环在每个增量之间观察它
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel 触发取消信号，可重复调用
func (s *Session) Cancel() {
	s.cancel()
}

// SetMessageID 记录本次会话助手消息的 ID
// 在生成开始前由协调器设置一次
func (s *Session) SetMessageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

// MessageID 返回进行中助手消息的 ID
func (s *Session) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// Registry 会话注册表
// 按对话 ID 记录进行中的会话；同一对话的注册是原子检查并设置，
// 保证任意时刻每个对话至多一个活动会话
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry 创建会话注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register 为对话注册新会话
// 已有活动会话时返回 ErrSessionActive，原会话不受影响
func (r *Registry) Register(conversationID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[conversationID]; ok {
		return nil, ErrSessionActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ConversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
	}
	r.sessions[conversationID] = sess
	return sess, nil
}

// Lookup 查找对话的活动会话
func (r *Registry) Lookup(conversationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[conversationID]
	return sess, ok
}

// Unregister 移除对话的会话记录，幂等
// 同时释放会话的取消信号，避免 context 泄漏
func (r *Registry) Unregister(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[conversationID]; ok {
		sess.cancel()
		delete(r.sessions, conversationID)
	}
}
