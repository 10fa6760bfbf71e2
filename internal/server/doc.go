// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 agentorch API 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 阻塞到
ctx 结束或服务出错后在 ShutdownTimeout 内优雅关闭。信号处理由
调用方通过 signal.NotifyContext 传入的 ctx 完成。
*/
package server
