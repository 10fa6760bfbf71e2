// Package cache 提供以执行参数规范化哈希为键的 TTL 结果缓存。
//
// 读取时惰性淘汰过期条目；每次写入都把完整内容写回 Journal（文件、Redis 或
// MongoDB），启动时加载并丢弃已过期条目。关闭缓存时不会创建任何持久化数据。
package cache
