// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Digigami 3D 生成服务的 HTTP 与 WebSocket 处理器。

# 概述

handlers 包把 generation.Service 暴露为同步 HTTP 端点和 /ws/3d 进度流，
并提供健康检查与统一的响应/错误处理。所有 Handler 均遵循标准 net/http
接口，路由使用 Go 1.22+ 的方法与路径模式。

# 核心类型

  - Gen3DHandler: 单图生成、角色生成、活动任务、后端列表、历史与重试
  - WSHandler: WebSocket 会话：握手、进度推送、取消、心跳
  - HealthHandler: 服务健康检查（/health, /healthz, /ready, /version）
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo: 结构化错误信息，含 code、message、backend、retryable
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码与字节数
  - HealthCheck: 可插拔健康检查接口（后端、存储、数据库、Redis）

# 状态码约定

生成请求持续到任务结束。Completed 返回 200；Failed 任务不是调用错误，
但按失败阶段返回 502/504/500，响应体同时携带完整任务快照。客户端断开返回 499。
*/
package handlers
