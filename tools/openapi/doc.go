// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package openapi 将 OpenAPI 3.x 文档转换为可调用的 MCP 工具，并负责把
工具调用翻译为对上游 REST 服务的一次 HTTP 请求。

加载使用 kin-openapi 完成解析与 $ref 解析；paths 与 method 的声明顺序
通过 yaml.v3 节点树单独恢复，从而保证工具命名与输出顺序稳定。

# 核心接口/类型

  - Loader — 从本地文件或 http(s) URL 加载文档，可选严格校验
  - Spec / Operation / Parameter / RequestBody — 按声明顺序排列的操作视图
  - ToolDescriptor / Binding — 工具名、描述、inputSchema 与参数绑定表
  - Catalog — 启动后只读的按名索引工具集合
  - Invoker / ToolResult / UpstreamFailure — 上游调用与结果归一化

# 主要能力

  - 确定性命名：优先 operationId，否则 method_path，冲突时追加 _2、_3
  - 参数映射：path / query / header 参数与请求体属性合并为 JSON Schema
  - Tag 过滤与工具名前缀
  - 上游调用：路径转义、数组查询参数展开、白名单请求头转发、单次调用超时，
    失败归类为 UpstreamHTTPError / UpstreamTimeout / UpstreamUnreachable
  - 安全传输：HTTP 请求使用 tlsutil.SecureHTTPClient
*/
package openapi
