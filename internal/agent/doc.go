// Package agent 实现生成管线：驱动大模型与工具完成一轮对话，把过程转换为有序的
// 界面事件写入有界通道，并在结束时给出构建好的助手消息。
//
// 管线的生命周期与客户端连接解耦，连接断开后仍会运行到结束，以保证最终消息可以
// 被持久化；需要审批的工具调用会挂起，直到收到审批结果或会话超时。
package agent
