package model

// CreateChatRequest 创建对话请求
type CreateChatRequest struct {
	Name string `json:"name" binding:"required"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}
