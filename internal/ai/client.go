package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"aichat/internal/ai/component"
	"aichat/internal/config"
	appmodel "aichat/internal/model"
)

// Chunk 模型输出的一个增量
// Done 标记流自然结束；Err 标记上游失败，之后不再有增量
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// Client AI 能力层客户端
// 封装 eino ChatModel，把模型的流式输出适配成惰性增量序列。
// 未配置 API key 时进入 mock 模式，返回脚本化的增量
type Client struct {
	cfg       *config.AIConfig
	chatModel model.ChatModel // mock 模式下为 nil
}

// NewClient 创建 AI 客户端
func NewClient(ctx context.Context, cfg *config.AIConfig) (*Client, error) {
	if cfg.APIKey == "" {
		log.Warn().Msg("AI API key not configured, using mock mode")
		return &Client{cfg: cfg}, nil
	}

	chatModel, err := component.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return &Client{
		cfg:       cfg,
		chatModel: chatModel,
	}, nil
}

// ChatStream 以完整角色标注的历史调用模型，返回增量序列
// 调用方在增量之间观察自己的取消信号即可中途停止；
// 通道在 Done 或 Err 之后关闭
func (c *Client) ChatStream(ctx context.Context, history []appmodel.Message) (<-chan Chunk, error) {
	if c.chatModel == nil {
		return c.mockStream(ctx, history), nil
	}

	sr, err := c.chatModel.Stream(ctx, toSchemaMessages(history))
	if err != nil {
		return nil, fmt.Errorf("failed to start model stream: %w", err)
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		defer sr.Close()

		for {
			msg, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				c.send(ctx, ch, Chunk{Done: true})
				return
			}
			if err != nil {
				c.send(ctx, ch, Chunk{Err: err})
				return
			}
			if msg.Content == "" {
				continue
			}
			if !c.send(ctx, ch, Chunk{Content: msg.Content}) {
				return
			}
		}
	}()

	return ch, nil
}

// send 投递增量，调用方已放弃时返回 false
func (c *Client) send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// mockStream 脚本化的增量序列，本地开发和测试用
func (c *Client) mockStream(ctx context.Context, history []appmodel.Message) <-chan Chunk {
	reply := "This is a mock reply. Configure ai.api_key to talk to a real model."
	if len(history) > 0 {
		last := history[len(history)-1]
		reply = "You said: " + last.Text + ". " + reply
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(reply, " ") {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			if !c.send(ctx, ch, Chunk{Content: word}) {
				return
			}
		}
		c.send(ctx, ch, Chunk{Done: true})
	}()
	return ch
}

// toSchemaMessages 转换为 eino 消息格式
func toSchemaMessages(history []appmodel.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Sender {
		case appmodel.SenderAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Text, nil))
		default:
			msgs = append(msgs, schema.UserMessage(m.Text))
		}
	}
	return msgs
}

// Close 关闭客户端
func (c *Client) Close() error {
	return nil
}
