// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 digigami 各层共享的结构化错误体系。

types 是最底层的公共包，不依赖任何内部包。threed、generation、api 等上层
模块通过 Error / ErrorCode 表达失败原因，并据此决定是同步返回错误还是
折叠为一个 Failed 任务。

# 错误码

  - CONFIGURATION: 请求的后端未配置凭据（同步返回）
  - VALIDATION: 输入不满足约束，例如可用视角少于两个（同步返回）
  - UNSUPPORTED_OPERATION: 后端不支持请求的能力，例如多视角生成（同步返回）
  - BACKEND: 服务商返回非成功状态，携带原始错误文本
  - TRANSPORT: 网络层失败，可重试
  - TIMEOUT: 轮询超过配置的超时时间
  - PERSISTENCE: 模型下载后写入存储失败
  - CANCELED: 调用方取消了上下文
  - INTERNAL_ERROR: 未归类的内部错误

HTTP 层另有 UNAUTHORIZED 与 RATE_LIMITED，仅由中间件产生。
*/
package types
