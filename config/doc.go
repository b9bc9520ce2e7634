// Package config 提供 gen3d 服务的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 旧版环境变量 → DIGIGAMI_ 环境变量 的顺序叠加，
// Validate 汇总全部问题后一次性返回。Watcher 在配置文件变化时重载并回调，
// 目前服务只在运行时应用日志级别。
package config
