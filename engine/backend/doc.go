// Package backend 提供执行引擎可用的后端实现：
// 远程执行服务（HTTP）、本地 docker CLI，以及用于试运行的 echo 后端。
//
// 后端失败统一以 types.Error 返回，错误码决定了重试与熔断的行为：
//
//	429            -> RATE_LIMITED（携带 Retry-After）
//	502/503        -> BACKEND_UNAVAILABLE
//	408/504/超时   -> BACKEND_TIMEOUT
//	其它 5xx       -> BACKEND_ERROR
//	其它 4xx       -> BACKEND_REJECTED（不重试，不计入熔断）
//	连接失败       -> BACKEND_UNAVAILABLE
package backend
