// Package engine 提供执行适配器，把并发闸门、结果缓存、熔断器与重试组合在一个后端之前，
// 并按依赖层级驱动工作流执行。
//
// 单次执行的处理顺序：
//
//	类型检查 -> 参数解码 -> 缓存命中直接返回 -> 获取并发许可
//	-> breaker(retry(backend)) -> 成功写缓存 -> 释放许可
//
// 所有失败都以 ExecutionResult 返回，不向调用方抛出 panic。
package engine
