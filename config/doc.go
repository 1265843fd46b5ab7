// Package config 提供 mcpbridge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 MCPBRIDGE_）的顺序叠加，
// 环境变量名由结构体 env tag 逐层拼接而成，例如
// MCPBRIDGE_UPSTREAM_BASE_URL。Config.Validate 汇总全部错误一次性返回。
package config
