// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的桥接服务指标采集能力，覆盖
HTTP、JSON-RPC、工具调用与流式会话四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。注册使用
promauto.With(registerer)，调用方可传入独立 Registry（测试常用），
也可传 nil 使用默认 Registry。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标。nil *Collector 的所有记录方法均为空操作。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - JSON-RPC 指标：按 transport/method/outcome 统计请求与耗时。
  - 工具指标：按 tool/outcome 统计调用次数与耗时，上游状态码分类计数。
  - 会话指标：打开会话数 Gauge、按原因统计关闭数、被丢弃事件计数。
*/
package metrics
