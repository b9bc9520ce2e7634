// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 threed 定义与服务商无关的 3D 生成数据模型，并提供 Tripo3D、Meshy、
MakerGrid 三个后端的客户端实现。

# 概述

不同服务商的任务提交协议、状态词汇与进度单位各不相同。本包把它们统一映射为
Task 与四态 Status（pending / processing / completed / failed），上层的
generation 包只面向 Client 接口编写轮询逻辑。

# 核心接口

  - Client: 后端能力集合：SubmitImage、SubmitMultiview、Poll、Download、Close。
  - StatusMap: 服务商状态字符串到规范状态的映射，未知状态一律视为 pending。
  - Advance: 单调状态推进，终态不可离开。
  - Assembler: 按命名约定从姿态目录组装 MultiViewInput。

# 后端

  - TripoClient：静态 Bearer 令牌，唯一支持多视角（front/left/back）。
  - MeshyClient：静态 Bearer 令牌，图像以 data URL 内联提交。
  - MakerGridClient：访问令牌 + refresh_token Cookie，或用户名/密码登录；
    JWT 过期后自动重新登录，收到 401 时重试一次。

# 工厂

NewClients 为每个已配置的后端创建客户端，ResolveDefault 按
显式配置 → makergrid → tripo3d → meshy 的优先级选择默认后端。
*/
package threed
