// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理 TaskFlow 持久化 schema 的版本化迁移。

SQL 文件按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，由
golang-migrate 执行。建出的五张表（定义、执行、任务、事件、链）与
workflow/persistence 中 GormStore 的行模型列名一致，因此 store.auto_migrate
关闭时，先执行 `taskflow migrate up` 即可让数据库后端直接使用。

# 打开

	dialect, dsn, err := migration.DSN(cfg.Database)
	m, err := migration.Open(ctx, dialect, dsn, migration.WithLogger(logger))
	defer m.Close()
	err = m.Up(ctx)

DSN 从应用配置生成迁移专用连接串：postgres 为 URL 形式，mysql 开启
multiStatements。SQLite 使用纯 Go 的 "sqlite" 驱动打开连接，再交给
golang-migrate 的 sqlite3 数据库驱动。

ctx 取消时，正在执行的迁移文件会完整结束后再停止。

# CLI

CLI 只依赖 Schema 接口，为 `taskflow migrate` 子命令格式化终端输出。
*/
package migration
