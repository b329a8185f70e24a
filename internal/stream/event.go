// Package stream 实现单次生成会话的协调原语：
// 会话注册表、取消管理器和按对话分组的事件广播。
package stream

// Event 一条会话流事件
// 非 Final 事件的 Text 是单个增量片段；Final 事件的 Text 是完整累计文本。
// 同一对话内事件按发布顺序全序排列，每个会话恰好发布一个 Final 事件
type Event struct {
	MessageID string // 所属消息 ID（UUIDv7，时间有序）
	Sender    string // user / assistant
	Text      string
	Final     bool
	Err       string // 上游失败时的错误标记，仅 Final 事件携带
}
