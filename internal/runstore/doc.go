// Package runstore 记录工作流运行历史。
//
// Store 实现 orchestrator.StatusSink，把每次运行写入 workflow_runs，
// 每个任务的最新状态写入 task_runs。postgres 与 mysql 的表结构由
// 内嵌 SQL 经 golang-migrate 管理，sqlite 使用 GORM AutoMigrate。
package runstore
