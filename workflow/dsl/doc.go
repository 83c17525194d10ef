// Package dsl 解析 YAML/JSON 工作流与链定义，并提供链条件使用的
// 强类型谓词语言（比较、布尔组合、in 列表、exists 路径）。
// 谓词只做求值，不能调用任意函数。
package dsl
