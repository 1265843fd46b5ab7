// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 mcpbridge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 tools/openapi、protocol/mcp、
api 与 cmd 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系：启动期（SpecParse / SpecValidation）、
    协议期（InvalidRequest / MethodNotFound / InvalidParams / ToolNotFound）、
    工具调用期（UpstreamHTTP / UpstreamTimeout / UpstreamUnreachable）、
    传输期（SessionNotFound / SessionClosed）
  - RequestContext — 调用方请求头与查询参数的不可变快照，转发给上游

# 主要能力

  - 错误工具链：NewError / Errorf / AsError / IsErrorCode / GetErrorCode
  - 白名单捕获：CaptureRequestContext
*/
package types
