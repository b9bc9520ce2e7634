// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
配置了证书与私钥时以 HTTPS 启动，TLS 参数复用 internal/httpclient 的
加固配置。生成请求会持续到任务结束，因此默认不设置写超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空；RegisterOnShutdown
    注册的回调用于通知 WebSocket 等长连接退出。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 与 ctx，
    任一触发后执行优雅关闭。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
*/
package server
