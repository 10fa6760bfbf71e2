// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开运行记录库并管理其连接池。

# 概述

Open 按 config.DatabaseConfig 的驱动选择 GORM 方言
（postgres、mysql，以及纯 Go 的 glebarez sqlite），
再交给 PoolManager 统一管理连接生命周期与健康检查。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()；Close 会先停掉后台健康检查。
  - PoolConfig：最大连接数、空闲连接数、生命周期与健康检查间隔。
  - TransactionFunc：事务回调。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、
序列化冲突、断连和 sqlite 锁忙等暂时性错误做指数退避重试，
判定规则见 IsTransient。
*/
package database
