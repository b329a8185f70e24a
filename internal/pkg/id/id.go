package id

import (
	"github.com/google/uuid"
)

// New 生成新的时间有序 ID（UUIDv7，string格式）
// v7 的前 48 位是毫秒时间戳，所以同一会话内先生成的 ID 字典序更小，
// 客户端可以直接用最后看到的消息 ID 作为续传标记
func New() string {
	v7, err := uuid.NewV7()
	if err != nil {
		// 极少发生（随机源不可用），退回 v4
		return uuid.New().String()
	}
	return v7.String()
}

// IsValid 验证 UUID 格式是否有效
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Less 按生成时间比较两个 ID（字典序等价于时间序）
func Less(a, b string) bool {
	return a < b
}
