package model

import (
	"time"
)

// 消息发送方
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Conversation 对话实体
// ID 为 UUIDv7，消息按追加顺序存储，消息 ID 在对话内严格递增
type Conversation struct {
	ID        string    `bson:"_id" json:"id"`
	Name      string    `bson:"name" json:"name"`
	Messages  []Message `bson:"messages" json:"messages"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Message 消息
// 助手消息的 ID 在生成开始时分配，不是完成时
type Message struct {
	ID        string    `bson:"id" json:"id"`
	Sender    string    `bson:"sender" json:"sender"`
	Text      string    `bson:"text" json:"text"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}
