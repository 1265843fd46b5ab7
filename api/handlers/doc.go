// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 mcpbridge 非 JSON-RPC 端点的处理器与响应辅助函数。

# 核心类型

  - HealthHandler    — 存活（固定 serving）、就绪与版本端点
  - HealthCheck      — 可插拔就绪检查接口，FuncCheck 为函数实现
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码，支持 Flush 与 Unwrap

# 主要能力

  - WriteJSON / WriteSuccess / WriteError 辅助函数
  - ErrorCode → HTTP 状态码映射（会话不存在 404，会话已关闭 410）
*/
package handlers
