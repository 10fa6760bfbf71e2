// Package api 是 agentorch HTTP API 的根包。
//
// 端点一览（默认监听 :8080）：
//
//	GET    /healthz                         存活探针
//	GET    /health                          依赖检查（数据库、Redis、MongoDB）
//	GET    /version                         版本信息
//	GET    /metrics                         Prometheus 指标
//	POST   /v1/workflows                    创建工作流（任务列表或 YAML 定义）
//	GET    /v1/workflows                    列出工作流
//	GET    /v1/workflows/{id}               查询工作流
//	DELETE /v1/workflows/{id}               删除工作流
//	POST   /v1/workflows/{id}/tasks         添加任务
//	POST   /v1/workflows/{id}/execute       执行（?async=true 后台执行）
//	POST   /v1/workflows/{id}/cancel        取消运行
//	GET    /v1/workflows/{id}/events        websocket 事件流
//	POST   /v1/executions                   单次执行
//	GET    /v1/engines                      引擎状态
//	GET    /v1/breakers                     熔断器状态
//	POST   /v1/breakers/{name}/reset        重置熔断器
//	GET    /v1/runs                         运行历史
//	GET    /v1/runs/{id}                    运行详情
//
// # 认证
//
// 配置了 auth.api_keys 时请求需携带 X-API-Key 头；配置了 auth.jwt 时
// 需携带 Authorization: Bearer <token>。健康检查与指标端点不需要认证。
package api
