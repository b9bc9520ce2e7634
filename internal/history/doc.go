// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 history 持久化已结束的生成任务，供 /api/3d/history 与 CLI 查询。

Recorder 实现 generation.Observer，只关心 TaskFinished：每个结束的任务
（完成、失败或取消）写入一行 Record。底层存储为 GORM，驱动由
internal/database 选择。
*/
package history
