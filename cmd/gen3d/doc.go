// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 gen3d 服务端与命令行入口。

# 概述

cmd/gen3d 把 3D 生成服务包装为可执行程序：serve 子命令启动 HTTP 与
WebSocket 服务，generate/character 子命令在终端直接跑一次生成并输出任务
JSON，login 子命令用 MakerGrid 账号换取令牌。

# 核心类型

  - Server: 主服务器，组装生成管线、HTTP/Metrics 端口及优雅关闭
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler
  - cliRuntime: 单次命令行生成所需的服务与清理函数

# 主要能力

  - 子命令：serve、generate、character、login、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing（启用遥测时）、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key / api_key 查询参数）
  - 配置热重载：config.Watcher 监听文件变更，运行时只调整日志级别
  - Metrics：默认挂在主端口 /metrics，配置 metrics_addr 后独立监听
  - 优雅关闭：信号监听 → 停止监听器 → 取消 WebSocket → 关闭 HTTP →
    关闭 Metrics → 释放后端/Redis/数据库 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
