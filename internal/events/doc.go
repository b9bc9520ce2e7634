// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 events 通过 Redis 向其他进程广播生成进度，并维护跨进程的活动任务镜像。

# 概述

Publisher 实现 generation.Observer：

  - TaskStarted：HSET {prefix}:active <task_id> 并发布 started 事件。
  - TaskProgress：PUBLISH {prefix}:progress:<task_id>，同时覆盖
    {prefix}:task:<task_id> 的最近状态快照（带 TTL）。
  - TaskFinished：HDEL 活动镜像并发布 finished 事件。

进程内的 generation.Registry 仍是活动集合的权威来源，Redis 镜像只供其他
实例与看板读取。Redis 故障只记录日志，不影响生成流程。
*/
package events
