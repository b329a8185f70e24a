package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"aichat/internal/pkg/id"
)

const (
	// DefaultSubscriberBuffer 订阅者通道默认缓冲
	DefaultSubscriberBuffer = 64
	// DefaultRetainAfterFinal Final 事件后话题默认保留时间
	// 留出窗口让刚断线的客户端带标记重连时还能回放到终止事件
	DefaultRetainAfterFinal = 30 * time.Second
)

// Broker 按对话分组的事件广播
// 每个对话一条仅追加的事件序列，单写多读：协调器发布，任意数量订阅者消费。
// 晚到的订阅者按标记回放缺失事件后无缝转入实时投递
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic

	buffer int
	retain time.Duration
}

type topic struct {
	mu      sync.Mutex
	events  []Event
	subs    map[int]chan Event
	nextSub int
	closed  bool          // Final 已发布
	done    chan struct{} // closed 置位时关闭，用于停掉订阅者的退订监视
	expire  *time.Timer
}

// NewBroker 创建广播器
// buffer 为订阅者通道缓冲大小，retain 为 Final 后话题保留时间，非正值取默认
func NewBroker(buffer int, retain time.Duration) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if retain <= 0 {
		retain = DefaultRetainAfterFinal
	}
	return &Broker{
		topics: make(map[string]*topic),
		buffer: buffer,
		retain: retain,
	}
}

// Open 为新会话开启话题
// 替换上一个会话遗留的话题（含已关闭待过期的），事件序列从空开始
func (b *Broker) Open(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.topics[conversationID]; ok {
		old.mu.Lock()
		if old.expire != nil {
			old.expire.Stop()
		}
		// 上一个会话的订阅者按协议早该在 Final 时结束了
		for _, ch := range old.subs {
			close(ch)
		}
		old.subs = nil
		if !old.closed {
			old.closed = true
			close(old.done)
		}
		old.mu.Unlock()
	}

	b.topics[conversationID] = &topic{
		subs: make(map[int]chan Event),
		done: make(chan struct{}),
	}
}

// Publish 向对话的事件序列追加一条事件并投递给所有订阅者
// 同一对话内保序；Final 事件发布后关闭所有订阅通道并安排话题过期
func (b *Broker) Publish(conversationID string, ev Event) {
	b.mu.Lock()
	t, ok := b.topics[conversationID]
	b.mu.Unlock()
	if !ok {
		log.Warn().Str("conversation_id", conversationID).Msg("publish to unopened topic dropped")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		log.Warn().Str("conversation_id", conversationID).Msg("publish after final dropped")
		return
	}

	t.events = append(t.events, ev)
	for key, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// 消费过慢的订阅者被断开，可带标记重连补齐
			log.Warn().Str("conversation_id", conversationID).Msg("dropping slow subscriber")
			close(ch)
			delete(t.subs, key)
		}
	}

	if ev.Final {
		t.closed = true
		close(t.done)
		for key, ch := range t.subs {
			close(ch)
			delete(t.subs, key)
		}
		t.expire = time.AfterFunc(b.retain, func() {
			b.remove(conversationID, t)
		})
	}
}

// Subscribe 订阅对话的事件序列
// 先回放消息 ID 大于 sinceMessageID 的已缓冲事件，再无缝转入实时投递，
// 接缝处不重复不遗漏。话题不存在时返回已关闭的空通道。
// 返回的通道在 Final 事件之后或 ctx 结束时关闭；退订不影响生成
func (b *Broker) Subscribe(ctx context.Context, conversationID, sinceMessageID string) <-chan Event {
	b.mu.Lock()
	t, ok := b.topics[conversationID]
	b.mu.Unlock()

	if !ok {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	t.mu.Lock()

	var replay []Event
	for _, ev := range t.events {
		if sinceMessageID == "" || id.Less(sinceMessageID, ev.MessageID) {
			replay = append(replay, ev)
		}
	}

	// 回放事件预先入队，和注册在同一临界区内完成，保证接缝处不丢不重
	ch := make(chan Event, len(replay)+b.buffer)
	for _, ev := range replay {
		ch <- ev
	}

	if t.closed {
		close(ch)
		t.mu.Unlock()
		return ch
	}

	key := t.nextSub
	t.nextSub++
	t.subs[key] = ch
	t.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.mu.Lock()
				if sub, live := t.subs[key]; live {
					close(sub)
					delete(t.subs, key)
				}
				t.mu.Unlock()
			case <-t.done:
			}
		}()
	}

	return ch
}

// remove 话题保留期满后清理
func (b *Broker) remove(conversationID string, t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// 新会话可能已经替换了话题，别误删
	if cur, ok := b.topics[conversationID]; ok && cur == t {
		delete(b.topics, conversationID)
	}
}
