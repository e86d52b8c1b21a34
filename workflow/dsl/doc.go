// Package dsl 提供工作流定义中可嵌入的小型表达式与数据变换能力：
// 条件表达式求值（比较、逻辑运算、点号路径取值）、
// JavaScript 脚本变换、路径抽取与字符串模板插值。
package dsl
