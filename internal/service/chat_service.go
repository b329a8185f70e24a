// Package service 编排对话业务流程：
// 提交提示词、驱动生成循环、话题订阅和取消
package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aichat/internal/ai"
	"aichat/internal/model"
	"aichat/internal/pkg/cache"
	"aichat/internal/pkg/id"
	"aichat/internal/stream"
)

// Streamer 模型客户端能力
// 给定角色标注的历史，产出惰性增量序列
type Streamer interface {
	ChatStream(ctx context.Context, history []model.Message) (<-chan ai.Chunk, error)
}

// ConversationStore 对话持久化能力
// MongoDB 实现见 repository.ConversationRepo，内存实现见 repository.MemoryStore
type ConversationStore interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	AppendMessage(ctx context.Context, id string, msg model.Message) error
	List(ctx context.Context, limit, offset int64) ([]*model.Conversation, error)
	Delete(ctx context.Context, id string) error
}

// ChatService 流式对话协调器
// 一次 Submit 驱动一个生成会话：注册会话、消费模型增量流、
// 逐条发布到广播器、累计全文、结束时持久化并注销。
// 任意数量的查看者通过 Attach 旁路订阅，互不干扰
type ChatService struct {
	store    ConversationStore
	aiClient Streamer
	registry *stream.Registry
	broker   *stream.Broker
	cancels  *stream.CancelManager
	cache    *cache.RedisCache // 可选，对话详情读缓存
}

// NewChatService 创建对话协调器
func NewChatService(store ConversationStore, aiClient Streamer, registry *stream.Registry,
	broker *stream.Broker, cancels *stream.CancelManager, redisCache *cache.RedisCache) *ChatService {
	return &ChatService{
		store:    store,
		aiClient: aiClient,
		registry: registry,
		broker:   broker,
		cancels:  cancels,
		cache:    redisCache,
	}
}

// CreateChat 创建新对话
func (s *ChatService) CreateChat(ctx context.Context, name string) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:   id.New(),
		Name: name,
	}
	if err := s.store.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListChats 对话列表
func (s *ChatService) ListChats(ctx context.Context) ([]model.ChatSummary, error) {
	convs, err := s.store.List(ctx, 100, 0)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.ChatSummary, 0, len(convs))
	for _, conv := range convs {
		summaries = append(summaries, model.ChatSummary{ID: conv.ID, Name: conv.Name})
	}
	return summaries, nil
}

// GetConversation 对话详情（含消息），带读缓存
func (s *ChatService) GetConversation(ctx context.Context, convID string) (*model.Conversation, error) {
	if s.cache != nil {
		var cached model.Conversation
		if err := s.cache.Get(ctx, cache.ConversationCacheKey(convID), &cached); err == nil {
			return &cached, nil
		}
	}

	conv, err := s.store.FindByID(ctx, convID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.ConversationCacheKey(convID), conv, cache.ConversationCacheTTL); err != nil {
			log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to cache conversation")
		}
	}
	return conv, nil
}

// DeleteChat 删除对话
func (s *ChatService) DeleteChat(ctx context.Context, convID string) error {
	if err := s.store.Delete(ctx, convID); err != nil {
		return err
	}
	s.invalidate(ctx, convID)
	return nil
}

// Cancel 请求取消对话的进行中生成
// 立即返回；对已结束或不存在的会话是无错误的空操作
func (s *ChatService) Cancel(ctx context.Context, convID string) error {
	return s.cancels.Cancel(ctx, convID)
}

// Submit 提交提示词，启动一次生成会话
// 返回调用方的事件订阅：按发布顺序收到本次会话的增量，Final 事件后关闭。
// 对话已有活动会话时返回 stream.ErrSessionActive，原会话不受影响。
// 生成循环运行在独立 goroutine 上，调用方断开不影响它
func (s *ChatService) Submit(ctx context.Context, convID, promptText string) (<-chan stream.Event, error) {
	conv, err := s.store.FindByID(ctx, convID)
	if err != nil {
		return nil, err
	}

	// 原子闸门：并发 Submit 只有一个能注册成功
	sess, err := s.registry.Register(convID)
	if err != nil {
		return nil, err
	}

	// 用户消息先于生成持久化，补读永远不会只看到回复看不到提问
	userMsg := model.Message{
		ID:        id.New(),
		Sender:    model.SenderUser,
		Text:      strings.TrimSpace(promptText),
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, convID, userMsg); err != nil {
		s.registry.Unregister(convID)
		return nil, err
	}
	s.invalidate(ctx, convID)

	// 助手消息 ID 在生成开始时分配，晚于用户消息所以严格更大
	assistantID := id.New()
	sess.SetMessageID(assistantID)

	history := append(conv.Messages, userMsg)

	// 先开话题再订阅再起生成循环，调用方不会错过任何事件
	s.broker.Open(convID)
	events := s.broker.Subscribe(ctx, convID, userMsg.ID)

	go s.generate(sess, history, assistantID)

	return events, nil
}

// generate 生成循环：消费模型增量流直到自然结束、取消或上游失败
// 无论哪种结局都恰好发布一个 Final 事件并注销会话
func (s *ChatService) generate(sess *stream.Session, history []model.Message, assistantID string) {
	convID := sess.ConversationID
	genCtx := sess.Context()
	logger := log.With().Str("conversation_id", convID).Str("message_id", assistantID).Logger()

	defer s.registry.Unregister(convID)

	var acc strings.Builder
	var errMark string

	chunks, err := s.aiClient.ChatStream(genCtx, history)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start generation")
		errMark = err.Error()
		s.finish(convID, assistantID, acc.String(), errMark, logger)
		return
	}

loop:
	for {
		select {
		case <-genCtx.Done():
			// 协作式取消：不撤回已发布的增量，保留已累计的部分
			logger.Info().Int("accumulated", acc.Len()).Msg("generation cancelled")
			break loop
		case chunk, ok := <-chunks:
			if !ok || chunk.Done {
				break loop
			}
			if chunk.Err != nil {
				logger.Error().Err(chunk.Err).Msg("model stream failed")
				errMark = chunk.Err.Error()
				break loop
			}
			acc.WriteString(chunk.Content)
			s.broker.Publish(convID, stream.Event{
				MessageID: assistantID,
				Sender:    model.SenderAssistant,
				Text:      chunk.Content,
			})
		}
	}

	s.finish(convID, assistantID, acc.String(), errMark, logger)
}

// finish 发布 Final 事件并持久化助手消息
func (s *ChatService) finish(convID, assistantID, text, errMark string, logger zerolog.Logger) {
	s.broker.Publish(convID, stream.Event{
		MessageID: assistantID,
		Sender:    model.SenderAssistant,
		Text:      text,
		Final:     true,
		Err:       errMark,
	})

	if text == "" {
		return
	}

	// 持久化用后台 context：请求被取消也要保住已生成的内容
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := model.Message{
		ID:        assistantID,
		Sender:    model.SenderAssistant,
		Text:      text,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(persistCtx, convID, msg); err != nil {
		// Final 已发布，订阅者不会挂起；这里只记录
		logger.Error().Err(err).Msg("failed to persist assistant message")
		return
	}
	s.invalidate(persistCtx, convID)

	logger.Info().Int("chars", len(text)).Bool("errored", errMark != "").Msg("generation finished")
}

// Attach 以查看者身份接入对话
// 先从持久化存储补读 lastSeenMessageID 之后的消息，再以同一标记转入实时订阅，
// 接缝处不丢不重。返回的通道在当前生成的 Final 事件后或 ctx 结束时关闭；
// 查看者断开不影响生成
func (s *ChatService) Attach(ctx context.Context, convID, lastSeenMessageID string) (<-chan stream.Event, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	var catchup []stream.Event
	marker := lastSeenMessageID
	for _, msg := range conv.Messages {
		if lastSeenMessageID != "" && !id.Less(lastSeenMessageID, msg.ID) {
			continue
		}
		catchup = append(catchup, stream.Event{
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Text:      msg.Text,
		})
		marker = msg.ID
	}

	// 实时订阅用补读推进后的标记，已补读的消息不会被话题回放重复投递
	live := s.broker.Subscribe(ctx, convID, marker)

	out := make(chan stream.Event, len(catchup)+1)
	for _, ev := range catchup {
		out <- ev
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// invalidate 清掉对话的读缓存
func (s *ChatService) invalidate(ctx context.Context, convID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.ConversationCacheKey(convID)); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("failed to invalidate conversation cache")
	}
}
