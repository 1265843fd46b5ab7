// Package tlsutil 提供集中式 TLS 配置，
// 为上游 REST 调用与 OpenAPI 文档拉取提供安全加固的 HTTP 客户端（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
