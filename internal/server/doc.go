// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 mcpbridge 的 HTTP 服务器生命周期管理，支持非阻塞启动、
连接数限制与优雅关闭。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
mcpbridge 进程持有两个 Manager：承载 MCP 传输的主端口与暴露
Prometheus 指标的 metrics 端口。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Wait/Shutdown 等生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头、
    最大并发连接数与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，端口 0 时
    Addr 返回实际绑定地址。
  - 连接数限制：MaxConnections > 0 时以 netutil.LimitListener 包装监听器。
  - 优雅关闭：Shutdown 在配置的超时内排空请求，超时后强制关闭连接。
  - 错误传播：Wait 在服务异常退出时返回错误，便于 errgroup 编排。
*/
package server
