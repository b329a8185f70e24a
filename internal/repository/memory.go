package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"aichat/internal/model"
)

// MemoryStore 内存对话存储
// MongoDB 未配置时的退化实现，也供测试使用；进程退出即丢失
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*model.Conversation),
	}
}

// Create 创建对话
func (s *MemoryStore) Create(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv.CreatedAt = time.Now()
	conv.UpdatedAt = time.Now()
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	s.convs[conv.ID] = cloneConversation(conv)
	return nil
}

// FindByID 根据 ID 查询
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// AppendMessage 追加消息
func (s *MemoryStore) AppendMessage(ctx context.Context, id string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return nil
}

// List 查询对话列表（不含消息体），按更新时间倒序
func (s *MemoryStore) List(ctx context.Context, limit, offset int64) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		c := cloneConversation(conv)
		c.Messages = nil
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset >= int64(len(all)) {
		return []*model.Conversation{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < int64(len(all)) {
		all = all[:limit]
	}
	return all, nil
}

// Delete 删除对话
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func cloneConversation(conv *model.Conversation) *model.Conversation {
	c := *conv
	c.Messages = append([]model.Message(nil), conv.Messages...)
	return &c
}
