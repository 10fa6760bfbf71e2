// Package circuitbreaker 实现三态熔断器（CLOSED / OPEN / HALF_OPEN）及按名称共享的注册表。
//
// Open -> HalfOpen 的转换在 AllowRequest 中惰性完成；半开状态下同时放行的请求数
// 受 HalfOpenMaxCalls 限制。被拒绝的请求只计入 rejected 指标，不计为失败。
package circuitbreaker
