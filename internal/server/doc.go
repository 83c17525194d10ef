/*
Package server 管理 TaskFlow 的 HTTP 监听：控制面 API 与 /metrics 各用一个 Manager。

Start 同步绑定端口、后台服务；Run 在此基础上阻塞到 ctx 结束后优雅关闭，
cmd/taskflow 用 errgroup 同时运行多个 Manager。配置证书与私钥时以 HTTPS
提供服务，TLS 参数来自 internal/tlsutil。
*/
package server
