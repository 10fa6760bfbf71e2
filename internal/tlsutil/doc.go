// Package tlsutil 集中提供出站连接的 TLS 设置：
// HTTP 执行后端的客户端与 Redis 结果缓存连接共用同一份加固配置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
