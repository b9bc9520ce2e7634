// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 generation 是 3D 生成编排器：选择后端、提交任务、轮询至终态、下载并持久化模型。

# 概述

Service 持有所有已配置后端的 Client，对外提供三个入口：

  - GenerateFromImage: 单图生成。
  - GenerateFromMultiview: 多视角生成，仅路由到支持多视角的后端。
  - GenerateCharacterFromPoses: 从姿态目录组装视图后走多视角流程，
    子流程进度被映射到 [10,100]。

每次调用在调用方 goroutine 上运行自己的轮询循环；并发任务之间除注册表和
并发信号量外不共享状态。

# 错误边界

CONFIGURATION、VALIDATION、UNSUPPORTED_OPERATION 与 CANCELED 作为 error
返回，其余失败（提交被拒、轮询失败、超时、下载或持久化失败）作为
Status=failed 的 Task 返回，失败阶段记录在 Metadata["failure_stage"]。
下载或持久化阶段失败的任务可以用 RetryDownload 重新拉取。

# 观察者

Observer 接收 started / progress / finished 事件，用于历史记录、Redis 进度
广播与 Prometheus 指标；观察者 panic 不会中断轮询。
*/
package generation
