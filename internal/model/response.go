package model

// ChatSummary 对话摘要（列表项）
type ChatSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageResponse 消息响应
type MessageResponse struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// StreamEventResponse 流式事件响应（SSE 负载）
// IsFinal=true 的事件是会话的最后一个事件，Text 为完整累计文本
type StreamEventResponse struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
