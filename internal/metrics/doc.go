// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的 HTTP 与 3D 生成指标采集。

# 概述

Collector 通过 promauto.With 在调用方传入的 Registerer 上注册全部指标，
测试可使用独立的 prometheus.NewRegistry()。所有指标按 namespace 隔离。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、响应体大小，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 生成指标：Collector 实现 generation.Observer，记录受理数、活动数、
    完成/失败/取消计数、耗时分布以及按阶段划分的失败次数。
*/
package metrics
