// Package config 提供 agentorch 的配置加载。
//
// 配置按 默认值 → YAML 文件 → AGENTORCH_* 环境变量 的顺序合并，
// 覆盖 HTTP 服务、执行引擎、结果缓存、执行后端、存储与遥测等部分。
package config
