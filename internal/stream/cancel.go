package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"aichat/internal/pkg/cache"
)

// inactiveCtx 预先取消好的 context
// 查询不存在的会话时返回它，调用方无需区分"已结束"和"从未开始"
var inactiveCtx = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// CancelManager 取消管理器
// 对外提供按对话 ID 取消进行中生成的能力。配置了 Redis 时，
// 取消请求同时通过 pub/sub 广播，任何实例收到请求都能停掉本地会话
type CancelManager struct {
	registry *Registry
	cache    *cache.RedisCache // 可选，nil 时仅本地取消
}

// NewCancelManager 创建取消管理器
func NewCancelManager(registry *Registry, redisCache *cache.RedisCache) *CancelManager {
	return &CancelManager{
		registry: registry,
		cache:    redisCache,
	}
}

// Signal 返回对话当前活动会话的取消信号
// 没有活动会话时返回已处于取消状态的信号
func (m *CancelManager) Signal(conversationID string) context.Context {
	if sess, ok := m.registry.Lookup(conversationID); ok {
		return sess.Context()
	}
	return inactiveCtx
}

// Cancel 请求取消对话的进行中生成
// 立即返回，不等待生成实际停止；对已结束的会话是无错误的空操作。
// 取消和自然完成之间的竞争不报错：先完成则保留完整回复
func (m *CancelManager) Cancel(ctx context.Context, conversationID string) error {
	if sess, ok := m.registry.Lookup(conversationID); ok {
		sess.Cancel()
	}

	if m.cache != nil {
		if err := m.cache.Publish(ctx, cache.CancelChannel, conversationID); err != nil {
			// 本地已取消，广播失败只影响其它实例
			log.Warn().Err(err).Str("conversation_id", conversationID).
				Msg("failed to publish cancel request")
		}
	}

	return nil
}

// Listen 消费来自其它实例的取消请求，阻塞直到 ctx 结束
// 未配置 Redis 时立即返回
func (m *CancelManager) Listen(ctx context.Context) {
	if m.cache == nil {
		return
	}

	sub := m.cache.Subscribe(ctx, cache.CancelChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if !errors.Is(ctx.Err(), context.Canceled) {
					log.Warn().Msg("cancel subscription closed unexpectedly")
				}
				return
			}
			if sess, found := m.registry.Lookup(msg.Payload); found {
				log.Debug().Str("conversation_id", msg.Payload).Msg("cancelling session via pub/sub")
				sess.Cancel()
			}
		}
	}
}
