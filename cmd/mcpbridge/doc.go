// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 mcpbridge 服务端程序入口。

# 概述

cmd/mcpbridge 读取一份 OpenAPI 3.x 文档，为每个操作生成一个 MCP 工具，
并通过流式（SSE）与无状态（HTTP）两种传输对外提供 JSON-RPC 服务。
程序支持 YAML 配置与 MCPBRIDGE_* 环境变量、结构化日志（zap）、
Prometheus 指标与 OpenTelemetry 链路追踪。

# 核心类型

  - Server     — 组装工具目录、分派器与传输层，管理主端口与 Metrics 端口
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令（cobra）：serve、tools（离线打印工具集合）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、Metrics、CORS、RateLimiter（基于 IP，可选）
  - 优雅关闭：信号 → 关闭传输层（结束 SSE 流）→ 并发关闭 HTTP 与 Metrics → 遥测落盘
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
