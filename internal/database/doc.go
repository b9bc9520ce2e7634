// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，供生成历史记录使用。

# 概述

Config 描述驱动（sqlite / postgres / mysql）与连接参数，Open 据此选择
GORM Dialector 并创建 PoolManager。sqlite 使用纯 Go 的 glebarez 驱动，
无需 cgo。

# 核心类型

  - Config：驱动、DSN 或分字段连接参数，以及连接池配置。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、
    Close() 等生命周期方法；后台健康检查随 Close 一并停止。
  - PoolConfig：最大空闲连接数、最大打开连接数、连接生命周期与健康检查间隔。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 复用 internal/retry 的
指数退避，对死锁、序列化失败、sqlite 忙等瞬时错误重试。
*/
package database
