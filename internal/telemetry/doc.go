// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与 metric），
// 供执行引擎与 HTTP API 创建 span。禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
