// Package retry 提供指数退避重试：按错误码过滤可重试错误，支持随机抖动与
// 服务端 Retry-After 提示。
package retry
