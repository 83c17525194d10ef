// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 打开 TaskFlow 关系型存储使用的 gorm 连接并管理其连接池。

Open 按驱动名选择 postgres、mysql 或纯 Go 的 sqlite 方言，gorm 日志转到
zap，每条语句的耗时通过 QueryObserver 交给指标采集。Pool 设置连接池参数并
后台定时探活，探活成功时通过 PoolConfig.OnStats 上报连接数，失败只在
可达性翻转时记录一次日志。
*/
package database
